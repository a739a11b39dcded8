package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	gojson "github.com/goccy/go-json"

	"github.com/trialflow/trialflow/internal/experiment"
)

type startRequest struct {
	WorkerID string `json:"worker_id"`
}

// maxBody bounds request bodies.
const maxBody = 1 << 20

func participantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid participant id")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := gojson.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	view, err := s.exp.Start(r.Context(), req.WorkerID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	id, ok := participantID(w, r)
	if !ok {
		return
	}
	view, err := s.exp.Page(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleResponse answers 200 with the next page, or 422 with the same page
// and a validation message.
func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := participantID(w, r)
	if !ok {
		return
	}
	var sub experiment.Submission
	if !decode(w, r, &sub) {
		return
	}
	if sub.PageUUID == "" {
		writeError(w, http.StatusBadRequest, "page_uuid is required")
		return
	}
	out, err := s.exp.Respond(r.Context(), id, sub)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if out.Validation != nil {
		writeJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	id, ok := participantID(w, r)
	if !ok {
		return
	}
	if err := s.exp.Abandon(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
