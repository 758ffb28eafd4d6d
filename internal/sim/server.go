// Package sim implements the simulation side of the sensor protocol: a TCP
// server that acknowledges handshakes, validates pins, and streams readings
// for authorized sensors. The companion's integration tests and the simd
// binary run it.
package sim

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caprev/sensorlink/internal/frame"
	"github.com/caprev/sensorlink/internal/wire"
)

const (
	minReading = 0.0
	maxReading = 100.0
	// readings drift by at most this much per tick
	maxStep = 5.0
)

// Server accepts companion connections and speaks the wire protocol.
type Server struct {
	addr     string
	pins     map[string]struct{}
	interval time.Duration
	log      *zap.Logger

	ln   net.Listener
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New builds a server allowing the given pins and streaming one reading per
// interval to each authorized connection.
func New(addr string, pins []string, interval time.Duration, log *zap.Logger) *Server {
	allowed := make(map[string]struct{}, len(pins))
	for _, p := range pins {
		allowed[p] = struct{}{}
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Server{
		addr:     addr,
		pins:     allowed,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start begins listening and accepting in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("sim: listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address; useful when started on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every live connection, then waits for the
// handler goroutines to drain.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.ln != nil {
			s.ln.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("sim: accept", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// session is the per-connection protocol state on the simulation side.
type session struct {
	srv  *Server
	conn net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	streaming bool
	stop      chan struct{}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Info("sim: client connected", zap.String("remote", remote))

	sess := &session{srv: s, conn: conn, stop: make(chan struct{})}
	defer sess.stopStreaming()

	var reasm frame.Reassembler
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := reasm.Feed(buf[:n], sess.handleFrame); ferr != nil {
				s.log.Warn("sim: protocol error", zap.String("remote", remote), zap.Error(ferr))
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-s.done:
					return
				default:
					continue
				}
			}
			s.log.Info("sim: client gone", zap.String("remote", remote))
			return
		}
	}
}

func (ss *session) handleFrame(payload []byte) error {
	msg, err := wire.Decode(payload)
	if err != nil {
		ss.send(wire.Message{Type: wire.TypeErrorState, Error: err.Error()})
		return err
	}

	switch msg.Type {
	case wire.TypeConnect:
		// handshake acknowledgment
		return ss.send(wire.Message{Type: wire.TypePinResponse, Value: 1.0})

	case wire.TypePinRequest:
		if _, ok := ss.srv.pins[msg.Pin]; !ok {
			ss.srv.log.Info("sim: pin rejected", zap.String("pin", msg.Pin))
			return ss.send(wire.Message{Type: wire.TypePinResponse, Value: -1.0})
		}
		ss.srv.log.Info("sim: pin accepted", zap.String("pin", msg.Pin))
		if err := ss.send(wire.Message{Type: wire.TypePinResponse, Value: 1.0}); err != nil {
			return err
		}
		ss.startStreaming(msg.Pin)
		return nil

	default:
		ss.srv.log.Warn("sim: unexpected message", zap.Stringer("type", msg.Type))
		return ss.send(wire.Message{Type: wire.TypeErrorState,
			Error: "unexpected message: " + msg.Type.String()})
	}
}

// startStreaming launches the reading generator once per connection.
func (ss *session) startStreaming(pin string) {
	ss.mu.Lock()
	if ss.streaming {
		ss.mu.Unlock()
		return
	}
	ss.streaming = true
	ss.mu.Unlock()

	ss.srv.wg.Add(1)
	go func() {
		defer ss.srv.wg.Done()

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		value := minReading + rng.Float64()*(maxReading-minReading)

		ticker := time.NewTicker(ss.srv.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ss.stop:
				return
			case <-ss.srv.done:
				return
			case <-ticker.C:
				value += (rng.Float64()*2 - 1) * maxStep
				if value < minReading {
					value = minReading
				}
				if value > maxReading {
					value = maxReading
				}
				if err := ss.send(wire.Message{
					Type:  wire.TypeSensorData,
					Pin:   pin,
					Value: float32(value),
				}); err != nil {
					return
				}
			}
		}
	}()
}

func (ss *session) stopStreaming() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.streaming {
		close(ss.stop)
		ss.streaming = false
	}
}

// send frames and writes one message. Safe for concurrent use by the
// handler and the streaming goroutine.
func (ss *session) send(m wire.Message) error {
	buf, err := frame.Encode(m)
	if err != nil {
		return err
	}
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	_, err = ss.conn.Write(buf)
	return err
}
