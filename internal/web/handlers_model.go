package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"home-energy/internal/aggregate"
	"home-energy/internal/device"
	"home-energy/internal/energy"
)

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "energy model not available"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.model.Rates())
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	var infos []energy.ScriptInfo
	if s.scripts != nil {
		infos = s.scripts.Describe()
	}
	if infos == nil {
		infos = []energy.ScriptInfo{}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

type estimateResponse struct {
	DeviceType device.Type    `json:"deviceType"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit"`
	Issues     []device.Issue `json:"issues,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// handleEstimate runs the model against a single device document without
// touching stored state.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "energy model not available"})
		return
	}

	var rec device.Record
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if rec.DeviceType == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "deviceType is required"})
		return
	}

	st, issues := device.Decode(rec)
	v, err := s.model.Estimate(st)
	resp := estimateResponse{DeviceType: st.Type(), Value: v, Unit: aggregate.Unit, Issues: issues}
	if err != nil {
		if !errors.Is(err, energy.ErrUnmodeled) && !errors.Is(err, energy.ErrOutOfRange) {
			s.logger.Error("estimate", "type", rec.DeviceType, "err", err)
		}
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
