package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Fimeg/Coquette-sub001/internal/recovery"
)

// RecoveryRunner is the negotiation surface the recover endpoint uses.
// It is satisfied by *recovery.Negotiator.
type RecoveryRunner interface {
	Attempt(ctx context.Context, failed recovery.FailedOperation, originalGoal string) recovery.Outcome
}

// SetRecoveryRunner attaches the negotiator backing POST /api/recover.
func (s *Server) SetRecoveryRunner(r RecoveryRunner) {
	s.recoverer = r
}

// RecoverRequest is the POST /api/recover body: the failed operation as
// reported by the execution layer, plus the goal the plan was serving.
type RecoverRequest struct {
	ID           string         `json:"id"`
	Operation    string         `json:"operation"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Error        string         `json:"error"`
	OriginalGoal string         `json:"original_goal"`
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if s.recoverer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "recovery negotiator not configured")
		return
	}

	var req RecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operation == "" {
		s.errorResponse(w, http.StatusBadRequest, "operation is required")
		return
	}

	// Attempt never errors; dispatch and parse failures come back as
	// degraded outcomes with a user-facing question.
	outcome := s.recoverer.Attempt(r.Context(), recovery.FailedOperation{
		ID:         req.ID,
		Operation:  req.Operation,
		Parameters: req.Parameters,
		Error:      req.Error,
	}, req.OriginalGoal)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, outcome, s.logger)
}
