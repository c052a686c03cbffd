package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/event"
	"github.com/Limit-LAB/limit-server/internal/status"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/request", s.post(s.handleRequestAuth))
	mux.HandleFunc("/v1/auth/do", s.post(s.handleDoAuth))
	mux.HandleFunc("/v1/event/send", s.post(s.handleSendEvent))
	mux.HandleFunc("/v1/event/synchronize", s.post(s.handleSynchronize))
	mux.HandleFunc("/v1/event/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.MetricsSink == config.SinkPrometheus {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeErrorBody(w, http.StatusMethodNotAllowed, status.InvalidArgument, "method not allowed")
			return
		}
		h(w, r)
	}
}

// errorBody is the uniform error envelope on every non-2xx response.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func httpStatus(kind status.Kind) int {
	switch kind {
	case status.InvalidArgument, status.Cancelled:
		return http.StatusBadRequest
	case status.Unauthenticated:
		return http.StatusUnauthorized
	case status.NotFound:
		return http.StatusNotFound
	case status.Exhausted:
		return http.StatusTooManyRequests
	case status.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := status.KindOf(err)
	writeErrorBody(w, httpStatus(kind), kind, status.MessageOf(err))
}

func writeErrorBody(w http.ResponseWriter, code int, kind status.Kind, message string) {
	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Message = message
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, status.InvalidArgument, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleRequestAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	randText, err := s.auth.RequestAuth(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"rand_text": randText})
}

func (s *Server) handleDoAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		DeviceID  string `json:"device_id"`
		Validated string `json:"validated"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	token, err := s.auth.DoAuth(r.Context(), req.ID, req.DeviceID, req.Validated)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jwt": token})
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string       `json:"token"`
		Event *event.Event `json:"event"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	eventID, err := s.events.SendEvent(r.Context(), req.Token, req.Event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
}

func (s *Server) handleSynchronize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string       `json:"token"`
		Count int          `json:"count"`
		From  *event.Bound `json:"from"`
		To    *event.Bound `json:"to"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	events, err := s.events.Synchronize(r.Context(), req.Token, req.From, req.To, req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	resources := s.guard.Stats()
	healthy := true
	if cpu, ok := resources["cpu_percent"].(float64); ok && cpu > s.cfg.CPURejectThreshold {
		healthy = false
	}
	if mem, ok := resources["memory_bytes"].(int64); ok && s.cfg.MemoryLimit > 0 && mem > s.cfg.MemoryLimit {
		healthy = false
	}

	st := "ok"
	code := http.StatusOK
	if !healthy {
		st = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         st,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"resources":      resources,
		"events": map[string]int64{
			"delivered": atomic.LoadInt64(&s.delivered),
			"dropped":   atomic.LoadInt64(&s.dropped),
		},
		"queue": map[string]int{
			"depth":    s.queue.Depth(),
			"capacity": s.queue.Capacity(),
		},
	})
}
