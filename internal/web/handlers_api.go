package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/radio"
	"homematic-go-bridge/internal/store"
)

const (
	sendTimeout   = 10 * time.Second
	defaultFrames = 100
	maxFrames     = 1000
)

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleAPIListPeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bridge.Peers().List())
}

func (s *Server) handleAPIGetPeer(w http.ResponseWriter, r *http.Request) {
	id, err := hm.ParseHMID(r.PathValue("hmid"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid hmid"})
		return
	}
	p, ok := s.bridge.Peers().Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "peer not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleAPISend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	m, err := coordinator.ParseMessage(req.Message)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	if err := s.bridge.Send(ctx, m); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, coordinator.ErrNotRunning):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, radio.ErrMissingAck), errors.Is(err, radio.ErrNACK), errors.Is(err, radio.ErrAESHandshake):
			status = http.StatusConflict
		}
		s.logger.Warn("api send", "msg", m.String(), "err", err)
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": m.String()})
}

func (s *Server) handleAPIDescribe(w http.ResponseWriter, r *http.Request) {
	m, err := coordinator.ParseMessage(r.PathValue("hex"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, hm.Describe(m))
}

func (s *Server) handleAPIListFlashRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []*store.FlashRun{})
		return
	}
	runs, err := s.store.ListFlashRuns()
	if err != nil {
		s.logger.Error("list flash runs", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if runs == nil {
		runs = []*store.FlashRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIGetFlashRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "flash run not found"})
		return
	}
	run, err := s.store.GetFlashRun(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "flash run not found"})
		return
	}
	if err != nil {
		s.logger.Error("get flash run", "id", id, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAPIListFrames(w http.ResponseWriter, r *http.Request) {
	limit := defaultFrames
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxFrames)
	}
	if s.store == nil {
		s.writeJSON(w, http.StatusOK, []*store.Frame{})
		return
	}
	frames, err := s.store.ListFrames(limit)
	if err != nil {
		s.logger.Error("list frames", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if frames == nil {
		frames = []*store.Frame{}
	}
	s.writeJSON(w, http.StatusOK, frames)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
