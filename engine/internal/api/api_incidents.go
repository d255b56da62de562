package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/pilot-net/topomon/engine/internal/incident"
	"github.com/pilot-net/topomon/pkg/types"
)

// =============================================================================
// ANOMALIES
// =============================================================================

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	s.writeJSON(w, http.StatusOK, s.pipe.Detector().Recent(limit))
}

// =============================================================================
// INCIDENTS
// =============================================================================

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter types.IncidentFilter

	for _, v := range splitList(q.Get("status")) {
		st := types.IncidentStatus(v)
		if !st.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		filter.Status = append(filter.Status, st)
	}
	for _, v := range splitList(q.Get("severity")) {
		sev := types.Severity(v)
		if sev.Level() == 0 {
			s.writeError(w, http.StatusBadRequest, "unknown severity "+v)
			return
		}
		filter.Severity = append(filter.Severity, sev)
	}
	filter.Limit, _ = pagination(r)

	incidents := s.pipe.Incidents().List(filter)
	if incidents == nil {
		incidents = []types.Incident{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"counts":    s.pipe.Incidents().Counts(),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.pipe.Incidents().Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

type transitionRequest struct {
	Status types.IncidentStatus `json:"status"`
	Cause  string               `json:"cause"`
	Actor  string               `json:"actor"`
}

func (s *Server) handleTransitionIncident(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status "+string(req.Status))
		return
	}

	inc, err := s.pipe.Incidents().Transition(r.PathValue("id"), req.Status, req.Cause, req.Actor)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

type assignRequest struct {
	Assignee string `json:"assignee"`
	Actor    string `json:"actor"`
}

func (s *Server) handleAssignIncident(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inc, err := s.pipe.Incidents().Assign(r.PathValue("id"), req.Assignee, req.Actor)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

type noteRequest struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

func (s *Server) handleAddIncidentNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	inc, err := s.pipe.Incidents().AddNote(r.PathValue("id"), req.Author, req.Text)
	if err != nil {
		s.writeIncidentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inc)
}

// writeIncidentError maps orchestrator errors to status codes. Rejections are
// counted so pipeline monitoring sees them.
func (s *Server) writeIncidentError(w http.ResponseWriter, err error) {
	var rej *incident.TransitionRejected
	switch {
	case errors.Is(err, incident.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "incident not found")
	case errors.As(err, &rej):
		s.pipe.Counters().RejectedOperation()
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"from":   string(rej.From),
			"to":     string(rej.To),
			"reason": rej.Reason,
		})
	default:
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
