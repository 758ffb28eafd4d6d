// Package api implements the monitor surface for the companion service.
//
// Routes:
//
//	GET    /api/v1/sensors        — list sessions and their readings
//	GET    /api/v1/sensors/{pin}  — single session detail
//	POST   /api/v1/sensors        — connect a sensor by pin
//	DELETE /api/v1/sensors/{pin}  — disconnect a sensor
//	GET    /api/v1/status         — service health
//	GET    /api/v1/events         — WebSocket live event stream
//
// Framework: standard library net/http with gorilla/websocket for the
// event stream.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caprev/sensorlink/internal/gateway"
	"github.com/caprev/sensorlink/internal/link"
	"github.com/caprev/sensorlink/internal/session"
)

const wsPingInterval = 20 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	svc *gateway.Service
	log *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
func NewRouter(svc *gateway.Service, log *zap.Logger) http.Handler {
	s := &Server{svc: svc, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/sensors", s.listSensors)
	mux.HandleFunc("GET /api/v1/sensors/{pin}", s.getSensor)
	mux.HandleFunc("POST /api/v1/sensors", s.connectSensor)
	mux.HandleFunc("DELETE /api/v1/sensors/{pin}", s.disconnectSensor)

	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Sensors ───────────────────────────────────────────────────────────────

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	sensors := s.svc.Sensors()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

func (s *Server) getSensor(w http.ResponseWriter, r *http.Request) {
	pin := r.PathValue("pin")
	status, ok := s.svc.Sensor(pin)
	if !ok {
		http.Error(w, "sensor not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type connectRequest struct {
	Pin string `json:"pin"`
}

func (s *Server) connectSensor(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	err := s.svc.RequestConnection(req.Pin)
	switch {
	case err == nil:
		// Authorization outcome arrives on the event stream.
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"pin":    req.Pin,
			"status": "authorizing",
		})
	case errors.Is(err, gateway.ErrEmptyPin):
		http.Error(w, "pin required", http.StatusBadRequest)
	case errors.Is(err, session.ErrAlreadyExists):
		http.Error(w, "sensor already connected", http.StatusConflict)
	case errors.Is(err, gateway.ErrHandshakeTimeout):
		http.Error(w, "simulation did not respond", http.StatusGatewayTimeout)
	default:
		s.log.Error("api: connect sensor", zap.String("pin", req.Pin), zap.Error(err))
		http.Error(w, "connection failed", http.StatusBadGateway)
	}
}

func (s *Server) disconnectSensor(w http.ResponseWriter, r *http.Request) {
	pin := r.PathValue("pin")
	if err := s.svc.Disconnect(pin); err != nil {
		http.Error(w, "sensor not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pin":    pin,
		"status": "disconnected",
	})
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"any_connected": s.svc.AnyConnected(),
		"sensor_count":  len(s.svc.Sensors()),
		"subscribers":   s.svc.Bus().Len(),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

type wsEvent struct {
	Pin     string  `json:"pin"`
	Kind    string  `json:"kind"`
	Value   float32 `json:"value,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	s.log.Info("api: event stream client connected", zap.String("client", clientID))
	defer s.log.Info("api: event stream client gone", zap.String("client", clientID))

	ch, unsub := s.svc.Bus().Subscribe()
	defer unsub()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toWSEvent(evt)); err != nil {
				s.log.Debug("api: ws write", zap.String("client", clientID), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func toWSEvent(e link.Event) wsEvent {
	return wsEvent{
		Pin:     e.Pin,
		Kind:    e.Kind.String(),
		Value:   e.Value,
		Message: e.Message,
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
