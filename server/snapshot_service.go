package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/TSavo/Malice-sub002/memento"
	"github.com/TSavo/Malice-sub002/world"
)

type snapshotRequest struct {
	IDs []int64 `json:"ids"`
}

// handleSnapshot captures the named objects into a portable snapshot and
// returns it as base64 CBOR.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	objects := make([]*world.Object, 0, len(req.IDs))
	for _, id := range req.IDs {
		obj, err := s.reg.Load(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if obj == nil {
			writeNotFound(w, id)
			return
		}
		objects = append(objects, obj)
	}

	snap, err := memento.Capture(objects)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	data, err := memento.Marshal(snap)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": base64.StdEncoding.EncodeToString(data),
	})
}

type restoreRequest struct {
	Snapshot string `json:"snapshot"`
}

// handleRestore rehydrates a snapshot into brand-new objects and returns
// the placeholder→id map.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Snapshot)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "snapshot is not valid base64"})
		return
	}
	snap, err := memento.Unmarshal(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	created, err := memento.Rehydrate(r.Context(), s.reg, snap)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make(map[string]int64, len(created))
	for ph, obj := range created {
		ids[ph] = obj.ID()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"root":    ids[snap.Root],
		"objects": ids,
	})
}
