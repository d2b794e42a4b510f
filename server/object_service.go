package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/TSavo/Malice-sub002/store"
	"github.com/TSavo/Malice-sub002/world"
)

// objectView is the raw-definition view: what this object actually
// defines, as opposed to what it inherits. Editors diff this against the
// resolved view.
type objectView struct {
	ID         int64                    `json:"id"`
	Parent     int64                    `json:"parent"`
	Recycled   bool                     `json:"recycled"`
	Properties map[string]any           `json:"properties"`
	Methods    map[string]*store.Method `json:"methods"`
	CreatedAt  time.Time                `json:"created_at"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	props := make(map[string]any)
	for name, value := range obj.OwnProperties() {
		props[name] = jsonValue(value)
	}
	writeJSON(w, http.StatusOK, &objectView{
		ID:         obj.ID(),
		Parent:     obj.ParentID(),
		Recycled:   obj.Recycled(),
		Properties: props,
		Methods:    obj.OwnMethods(),
		CreatedAt:  obj.CreatedAt(),
	})
}

// handleResolve reads one property through the inheritance chain, the
// counterpart to the own-definition view.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	value, defined, err := obj.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"defined": defined,
		"value":   jsonValue(value),
	})
}

type createRequest struct {
	Parent     int64          `json:"parent"`
	Properties map[string]any `json:"properties"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	props := make(map[string]any, len(req.Properties))
	for k, v := range req.Properties {
		props[k] = parseValue(v)
	}
	obj, err := s.reg.Create(r.Context(), req.Parent, props, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": obj.ID()})
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	var raw any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	obj.Set(r.PathValue("name"), parseValue(raw))
	if err := obj.Save(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveProperty(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	obj.RemoveProperty(r.PathValue("name"))
	if err := obj.Save(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type methodRequest struct {
	Source   string   `json:"source"`
	Callable bool     `json:"callable"`
	Aliases  []string `json:"aliases"`
	Help     string   `json:"help"`
}

func (s *Server) handleSetMethod(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	var req methodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	opts := []world.MethodOption{}
	if req.Callable {
		opts = append(opts, world.Callable())
	}
	if len(req.Aliases) > 0 {
		opts = append(opts, world.WithAliases(req.Aliases...))
	}
	if req.Help != "" {
		opts = append(opts, world.WithHelp(req.Help))
	}
	obj.SetMethod(r.PathValue("name"), req.Source, opts...)
	if err := obj.Save(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMethod(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	obj.RemoveMethod(r.PathValue("name"))
	if err := obj.Save(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type callRequest struct {
	Args []any `json:"args"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.loadObject(w, r)
	if !ok {
		return
	}
	var req callRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
			return
		}
	}
	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = parseValue(a)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
	defer cancel()
	result, err := obj.Call(ctx, r.PathValue("name"), args...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": jsonValue(result)})
}

func (s *Server) handleRecycle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed object id"})
		return
	}
	if err := s.reg.Recycle(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed object id"})
		return
	}
	children, err := s.reg.ChildrenOf(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]int64, len(children))
	for i, child := range children {
		ids[i] = child.ID()
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": ids})
}

// parseValue restores {"$ref": id} markers from incoming JSON to stored
// references, recursing through containers.
func parseValue(v any) any {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			val[i] = parseValue(item)
		}
		return val
	case map[string]any:
		if len(val) == 1 {
			if raw, ok := val["$ref"]; ok {
				if n, ok := raw.(float64); ok && n == math.Trunc(n) {
					return store.Ref{ID: int64(n)}
				}
			}
		}
		for k, item := range val {
			val[k] = parseValue(item)
		}
		return val
	default:
		return v
	}
}
