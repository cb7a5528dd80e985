package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

const maxBodyBytes = 1 << 16

// createRuleRequest is the body of POST /api/rules/{symbol}
type createRuleRequest struct {
	Kind       alerts.Kind       `json:"kind"`
	Comparator alerts.Comparator `json:"comparator"`
	Threshold  *float64          `json:"threshold,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": s.manager.Symbols(),
	})
}

func (s *Server) handleStopSymbol(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopSymbol(r.PathValue("symbol")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := pipeline.NormalizeSymbol(r.PathValue("symbol"))

	update, err := s.manager.Latest(symbol)
	if err == nil {
		s.writeJSON(w, http.StatusOK, update)
		return
	}
	if !errors.Is(err, pipeline.ErrUnknownSymbol) || s.cache == nil {
		s.writeEngineError(w, err)
		return
	}

	// Another instance may own the symbol
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cached, cacheErr := s.cache.Get(ctx, symbol)
	if cacheErr != nil {
		s.writeEngineError(w, cacheErr)
		return
	}
	w.Header().Set("X-Snapshot-Source", "cache")
	s.writeJSON(w, http.StatusOK, cached)
}

func (s *Server) handleFirings(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cache_disabled", "firing history requires redis")
		return
	}

	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = v
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	firings, err := s.cache.RecentFirings(ctx, pipeline.NormalizeSymbol(r.PathValue("symbol")), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, firings)
}

func (s *Server) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	var sample ringbuffer.Sample
	if !s.decode(w, r, &sample) {
		return
	}
	if sample.Timestamp.IsZero() {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "timestamp is required")
		return
	}

	update, err := s.manager.SubmitSample(r.PathValue("symbol"), sample)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.ListRules(r.PathValue("symbol")))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	rule, err := s.manager.CreateRule(r.PathValue("symbol"), req.Kind, req.Comparator, req.Threshold)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteRule(r.PathValue("symbol"), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.manager.ResetRule(r.PathValue("symbol"), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.manager.DisableRule(r.PathValue("symbol"), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}
