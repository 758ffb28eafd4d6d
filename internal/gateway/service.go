// Package gateway is the owner-facing service over the sensor link layer.
// It creates connections on request, routes their events onto an event bus,
// and prunes sessions whose transport has died.
package gateway

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caprev/sensorlink/internal/config"
	"github.com/caprev/sensorlink/internal/link"
	"github.com/caprev/sensorlink/internal/session"
)

var (
	// ErrEmptyPin is returned when a connection is requested without a pin.
	ErrEmptyPin = errors.New("gateway: pin must not be empty")
	// ErrHandshakeTimeout is returned when the simulation does not
	// acknowledge the handshake in time.
	ErrHandshakeTimeout = errors.New("gateway: handshake timed out")
	// ErrUnknownPin is returned by Disconnect for a pin with no session.
	ErrUnknownPin = errors.New("gateway: no such sensor")
)

// Dialer builds a transport for one connection attempt. Injectable so tests
// can run the service against an in-memory transport.
type Dialer func(addr string, log *zap.Logger) link.Transport

// SensorStatus is a point-in-time snapshot of one session, shaped for the
// monitor API.
type SensorStatus struct {
	Pin       string    `json:"pin"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	LastValue float32   `json:"last_value"`
	History   []float32 `json:"history"`
}

// Service owns the session registry and the event bus.
type Service struct {
	serverAddr       string
	handshakeTimeout time.Duration
	historySize      int

	reg  *session.Registry
	bus  *EventBus
	dial Dialer
	log  *zap.Logger
}

// New constructs a Service dialing the configured simulation endpoint.
func New(cfg *config.Config, log *zap.Logger) *Service {
	return &Service{
		serverAddr:       cfg.Server.Addr(),
		handshakeTimeout: cfg.Link.HandshakeTimeout(),
		historySize:      cfg.Link.HistorySize,
		reg:              session.NewRegistry(),
		bus:              NewEventBus(),
		dial: func(addr string, log *zap.Logger) link.Transport {
			return link.NewTCPTransport(addr, log)
		},
		log: log,
	}
}

// SetDialer replaces the transport factory. Intended for tests.
func (s *Service) SetDialer(d Dialer) {
	s.dial = d
}

// Bus exposes the event bus for subscribers.
func (s *Service) Bus() *EventBus {
	return s.bus
}

// RequestConnection dials the simulation, waits for the handshake, and
// sends the pin request. The authorization outcome arrives asynchronously
// on the event bus. Duplicate pins are refused with
// session.ErrAlreadyExists.
func (s *Service) RequestConnection(pin string) error {
	if pin == "" {
		return ErrEmptyPin
	}

	tr := s.dial(s.serverAddr, s.log)
	conn := link.NewConn(pin, tr, s.onEvent, s.historySize, s.log)

	if err := s.reg.AddIfAbsent(conn); err != nil {
		return err
	}
	s.log.Info("gateway: connecting sensor", zap.String("pin", pin),
		zap.String("addr", s.serverAddr))

	if err := conn.Dial(); err != nil {
		s.reg.Remove(pin)
		return fmt.Errorf("gateway: connect %s: %w", pin, err)
	}
	if !conn.WaitReady(s.handshakeTimeout) {
		conn.Close()
		s.reg.Remove(pin)
		return ErrHandshakeTimeout
	}
	if err := conn.RequestPin(); err != nil {
		conn.Close()
		s.reg.Remove(pin)
		return fmt.Errorf("gateway: pin request %s: %w", pin, err)
	}
	return nil
}

// Disconnect closes and forgets the session for pin.
func (s *Service) Disconnect(pin string) error {
	conn, ok := s.reg.Get(pin)
	if !ok {
		return ErrUnknownPin
	}
	conn.Close()
	s.reg.Remove(pin)
	s.log.Info("gateway: sensor disconnected", zap.String("pin", pin))
	return nil
}

// AnyConnected reports whether any sensor link is currently usable.
func (s *Service) AnyConnected() bool {
	return s.reg.AnyConnected()
}

// Sensor returns the status snapshot for one pin.
func (s *Service) Sensor(pin string) (SensorStatus, bool) {
	conn, ok := s.reg.Get(pin)
	if !ok {
		return SensorStatus{}, false
	}
	return snapshot(conn), true
}

// Sensors returns status snapshots in insertion order.
func (s *Service) Sensors() []SensorStatus {
	pins := s.reg.Pins()
	out := make([]SensorStatus, 0, len(pins))
	for _, pin := range pins {
		if conn, ok := s.reg.Get(pin); ok {
			out = append(out, snapshot(conn))
		}
	}
	return out
}

// Close tears down every session.
func (s *Service) Close() {
	for _, pin := range s.reg.Pins() {
		if conn, ok := s.reg.Get(pin); ok {
			conn.Close()
		}
		s.reg.Remove(pin)
	}
}

// onEvent receives every link event. Terminal outcomes drop the session
// from the registry; everything is republished on the bus. A failure on
// one connection never touches another.
func (s *Service) onEvent(e link.Event) {
	switch e.Kind {
	case link.EventRejected, link.EventError, link.EventLost:
		if conn, ok := s.reg.Get(e.Pin); ok {
			conn.Close()
		}
		s.reg.Remove(e.Pin)
	}
	s.bus.Publish(e)
}

func snapshot(conn *link.Conn) SensorStatus {
	last, _ := conn.LastValue()
	return SensorStatus{
		Pin:       conn.Pin(),
		State:     conn.State(),
		Connected: conn.Connected(),
		LastValue: last,
		History:   conn.HistorySnapshot(),
	}
}
