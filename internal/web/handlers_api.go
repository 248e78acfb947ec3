package web

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"home-energy/internal/aggregate"
	"home-energy/internal/report"
	"home-energy/internal/store"
)

// retryAfter is sent with 503 responses for upstream failures.
const retryAfter = "5"

type computeFunc func(ctx context.Context, w aggregate.Window) (*aggregate.Aggregate, error)

// compute parses the window query parameter, runs fn and writes any error.
// It returns nil when a response has already been written.
func (s *Server) compute(w http.ResponseWriter, r *http.Request, fn computeFunc) *aggregate.Aggregate {
	window, err := aggregate.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil
	}
	agg, err := fn(r.Context(), window)
	if err != nil {
		s.writeError(w, r, err)
		return nil
	}
	return agg
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case aggregate.IsNotFound(err):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case aggregate.IsRetryable(err):
		s.logger.Warn("upstream unavailable", "path", r.URL.Path, "err", err)
		w.Header().Set("Retry-After", retryAfter)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "upstream unavailable, retry later"})
	case errors.Is(err, context.Canceled):
		s.logger.Debug("request cancelled", "path", r.URL.Path)
	default:
		s.logger.Error("compute energy", "path", r.URL.Path, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) hubCompute(r *http.Request) computeFunc {
	hub := r.PathValue("hub")
	return func(ctx context.Context, w aggregate.Window) (*aggregate.Aggregate, error) {
		return s.energy.ComputeHubEnergy(ctx, hub, w)
	}
}

func (s *Server) roomCompute(r *http.Request) computeFunc {
	hub, room := r.PathValue("hub"), r.PathValue("room")
	return func(ctx context.Context, w aggregate.Window) (*aggregate.Aggregate, error) {
		return s.energy.ComputeRoomEnergy(ctx, hub, room, w)
	}
}

func (s *Server) adminCompute(r *http.Request) computeFunc {
	hub := r.PathValue("hub")
	return func(ctx context.Context, w aggregate.Window) (*aggregate.Aggregate, error) {
		return s.energy.ComputeAdminEnergy(ctx, hub, w)
	}
}

func (s *Server) handleHubEnergy(w http.ResponseWriter, r *http.Request) {
	if agg := s.compute(w, r, s.hubCompute(r)); agg != nil {
		s.writeJSON(w, http.StatusOK, agg)
	}
}

func (s *Server) handleHubEnergyCSV(w http.ResponseWriter, r *http.Request) {
	if agg := s.compute(w, r, s.hubCompute(r)); agg != nil {
		s.writeCSV(w, agg)
	}
}

func (s *Server) handleRoomEnergy(w http.ResponseWriter, r *http.Request) {
	if agg := s.compute(w, r, s.roomCompute(r)); agg != nil {
		s.writeJSON(w, http.StatusOK, agg)
	}
}

func (s *Server) handleRoomEnergyCSV(w http.ResponseWriter, r *http.Request) {
	if agg := s.compute(w, r, s.roomCompute(r)); agg != nil {
		s.writeCSV(w, agg)
	}
}

func (s *Server) handleAdminEnergy(w http.ResponseWriter, r *http.Request) {
	if agg := s.compute(w, r, s.adminCompute(r)); agg != nil {
		s.writeJSON(w, http.StatusOK, agg)
	}
}

func (s *Server) handleAdminEnergyCSV(w http.ResponseWriter, r *http.Request) {
	if agg := s.compute(w, r, s.adminCompute(r)); agg != nil {
		s.writeCSV(w, agg)
	}
}

func (s *Server) writeCSV(w http.ResponseWriter, agg *aggregate.Aggregate) {
	body, err := report.ExportCSV(agg)
	if err != nil {
		s.logger.Error("export csv", "hub", agg.HubCode, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	name := report.FileName(agg, s.now())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Debug("write csv response", "err", err)
	}
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history is disabled"})
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	snaps, err := s.history.ListSnapshots(r.PathValue("hub"), limit)
	if err != nil {
		s.logger.Error("list snapshots", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if snaps == nil {
		snaps = []*store.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}
