package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Fimeg/Coquette-sub001/internal/buildinfo"
)

// ProviderView is the API shape for one provider: descriptor fields a
// client may see (never the credential) plus live availability.
type ProviderView struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Kind        string `json:"kind"`
	Endpoint    string `json:"endpoint"`
	Model       string `json:"model,omitempty"`
	Enabled     bool   `json:"enabled"`
	Current     bool   `json:"current"`
	Available   bool   `json:"available"`
	Reason      string `json:"reason,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
}

func (s *Server) providerViews() []ProviderView {
	current := s.sel.Current()
	descs := s.reg.Descriptors()

	views := make([]ProviderView, 0, len(descs))
	for _, d := range descs {
		rec := s.tracker.Status(d.ID)
		v := ProviderView{
			ID:        d.ID,
			Name:      d.Name,
			Kind:      string(d.Kind),
			Endpoint:  d.Endpoint,
			Model:     d.Model,
			Enabled:   d.Enabled,
			Current:   d.ID == current,
			Available: rec.Available,
		}
		if !rec.Available {
			v.Reason = string(rec.Reason)
			if rec.Remaining > 0 {
				v.RemainingMs = rec.Remaining.Milliseconds()
			}
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"providers": s.providerViews()}, s.logger)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	_, decision := s.sel.Resolve()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

func (s *Server) handleChainGet(w http.ResponseWriter, r *http.Request) {
	primary, fallbacks := s.sel.Chain()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"primary":   primary,
		"fallbacks": fallbacks,
		"current":   s.sel.Current(),
	}, s.logger)
}

// ChainRequest is the PUT /api/chain body.
type ChainRequest struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
}

func (s *Server) handleChainPut(w http.ResponseWriter, r *http.Request) {
	var req ChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Primary == "" {
		s.errorResponse(w, http.StatusBadRequest, "primary is required")
		return
	}
	if err := s.sel.SetFallbackChain(req.Primary, req.Fallbacks); err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.handleChainGet(w, r)
}

// ProviderRequest is the PUT /api/provider body. With Toggle set the
// current pointer cycles to the next enabled provider; otherwise ID
// names the provider to switch to.
type ProviderRequest struct {
	ID     string `json:"id,omitempty"`
	Toggle bool   `json:"toggle,omitempty"`
}

func (s *Server) handleProviderPut(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.Toggle:
		next, err := s.sel.ToggleProvider()
		if err != nil {
			s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"current": next}, s.logger)
	case req.ID != "":
		if err := s.sel.SetProvider(req.ID); err != nil {
			s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"current": req.ID}, s.logger)
	default:
		s.errorResponse(w, http.StatusBadRequest, "id or toggle is required")
	}
}

// ResetRequest is the POST /api/reset body. An empty ID clears every
// provider's cooldown.
type ResetRequest struct {
	ID string `json:"id,omitempty"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ID == "" {
		s.tracker.ResetAll()
	} else {
		if !s.reg.Has(req.ID) {
			s.errorResponse(w, http.StatusNotFound, "unknown provider "+req.ID)
			return
		}
		s.tracker.Reset(req.ID)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"stats":   s.queue.GetStats(),
		"pending": s.queue.Pending(),
	}, s.logger)
}

func (s *Server) handleRecoveries(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	rows, err := s.store.RecentRecoveries(parseLimit(r, 20))
	if err != nil {
		s.logger.Error("recovery query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"recoveries": rows}, s.logger)
}

func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	rows, err := s.store.RecentDispatches(parseLimit(r, 20))
	if err != nil {
		s.logger.Error("dispatch query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"dispatches": rows}, s.logger)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	rows, err := s.store.RecentDecisions(parseLimit(r, 20))
	if err != nil {
		s.logger.Error("decision query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"decisions": rows}, s.logger)
}

// handleSummary reports dispatch totals for a trailing window
// (?hours=, default 24), overall and per provider.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if parsed, err := strconv.Atoi(h); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	end := time.Now().Add(time.Minute)
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.store.DispatchSummary(start, end)
	if err != nil {
		s.logger.Error("summary query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}
	byProvider, err := s.store.DispatchSummaryByProvider(start, end)
	if err != nil {
		s.logger.Error("summary query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":       hours,
		"total":       total,
		"by_provider": byProvider,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}
