package server

import (
	"encoding/json"
	"net/http"
	"sort"
)

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Cache().Stats())
}

type aliasEntry struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

func (s *Server) handleAliases(w http.ResponseWriter, r *http.Request) {
	aliases := s.reg.Aliases()
	out := make([]aliasEntry, 0, len(aliases))
	for name, obj := range aliases {
		out = append(out, aliasEntry{Name: name, ID: obj.ID()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"aliases": out})
}

type setAliasRequest struct {
	ID int64 `json:"id"`
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	var req setAliasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
		return
	}
	if err := s.reg.RegisterAliasByID(r.Context(), r.PathValue("name"), req.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAlias(w http.ResponseWriter, r *http.Request) {
	s.reg.RemoveAlias(r.Context(), r.PathValue("name"))
	w.WriteHeader(http.StatusNoContent)
}
