package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"udk-dimmer-home/internal/bus"
	"udk-dimmer-home/internal/hub"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.version,
		"modules": len(s.hub.Modules()),
		"buses":   s.hub.BusStats(),
	})
}

func (s *Server) handleAPIListModules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Modules())
}

func (s *Server) handleAPIGetModule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, err := s.hub.Module(name)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// pathChannel parses the {channel} path segment.
func pathChannel(r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("channel"), 10, 8)
	if err != nil || n < 1 {
		return 0, false
	}
	return uint8(n), true
}

type setLevelRequest struct {
	Level  uint8 `json:"level"`
	FadeMS int   `json:"fade_ms"`
}

func (s *Server) handleAPISetLevel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	channel, ok := pathChannel(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		return
	}

	var req setLevelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.FadeMS < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fade_ms must not be negative"})
		return
	}

	fade := time.Duration(req.FadeMS) * time.Millisecond
	if err := s.hub.SetLevel(r.Context(), name, channel, req.Level, fade); err != nil {
		s.writeCommandError(w, err)
		return
	}

	st, _ := s.hub.ChannelState(name, channel)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"level":  st.Level,
		"on":     st.On,
	})
}

type turnOffRequest struct {
	FadeMS int `json:"fade_ms"`
}

func (s *Server) handleAPITurnOff(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	channel, ok := pathChannel(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		return
	}

	// An empty body means "off now".
	var req turnOffRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	fade := time.Duration(req.FadeMS) * time.Millisecond
	if err := s.hub.TurnOff(r.Context(), name, channel, fade); err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	channel, ok := pathChannel(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		return
	}

	level, err := s.hub.Refresh(r.Context(), name, channel)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"level":  level,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeCommandError maps hub and bus errors onto HTTP status codes.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrUnknownModule):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not found"})
	case errors.Is(err, hub.ErrUnknownChannel):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, bus.ErrBusBusy):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "bus busy"})
	case errors.Is(err, bus.ErrSuperseded):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "superseded by a newer command"})
	case errors.Is(err, bus.ErrCommandFailed):
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("command failed", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
