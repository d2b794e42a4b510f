package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/TSavo/Malice-sub002/script"
	"github.com/TSavo/Malice-sub002/store"
	"github.com/TSavo/Malice-sub002/world"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

// writeError maps the substrate's error taxonomy onto HTTP statuses:
// script failures are client-visible (422) with the original message;
// data-integrity failures are 400; everything else is a storage-side 500.
func writeError(w http.ResponseWriter, err error) {
	var execErr *script.ExecError
	switch {
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: execErr.Error()})
	case errors.Is(err, world.ErrChainTooDeep), errors.Is(err, world.ErrNoSuchMethod),
		errors.Is(err, world.ErrSentinel), errors.Is(err, world.ErrReservedName):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeNotFound(w http.ResponseWriter, id int64) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "no object " + strconv.FormatInt(id, 10)})
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

// loadObject fetches the wrapper for the request's {id}, writing the
// appropriate error response when it is unavailable.
func (s *Server) loadObject(w http.ResponseWriter, r *http.Request) (*world.Object, bool) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed object id"})
		return nil, false
	}
	obj, err := s.reg.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if obj == nil {
		writeNotFound(w, id)
		return nil, false
	}
	return obj, true
}

// jsonValue converts a property value into its JSON representation,
// degrading live handles and stored references to {"$ref": id} the same
// way persistence does.
func jsonValue(v any) any {
	switch val := v.(type) {
	case *world.Object:
		return map[string]any{"$ref": val.ID()}
	case store.Ref:
		return map[string]any{"$ref": val.ID}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	default:
		return v
	}
}
