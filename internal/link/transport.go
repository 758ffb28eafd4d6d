package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	tcpDialTimeout = 5 * time.Second
	tcpReadBufSize = 4096
)

// ErrTransportClosed is returned by writes after the transport has shut
// down or before it has connected.
var ErrTransportClosed = errors.New("link: transport closed")

// Handler receives transport lifecycle notifications. Callbacks are invoked
// from the transport's own goroutine, one at a time and in order: at most
// one HandleConnected, any number of HandleData, then exactly one
// HandleClosed. The byte slice passed to HandleData is only valid for the
// duration of the call.
type Handler interface {
	HandleConnected()
	HandleData(p []byte)
	HandleClosed(err error)
}

// Transport is the asynchronous byte-stream link a Conn drives. Connect
// returns immediately; the outcome arrives through the Handler. A Transport
// serves exactly one connection attempt: there is no automatic reconnect,
// a retry is a deliberate operator action with a fresh Transport.
type Transport interface {
	Connect(h Handler) error
	Write(p []byte) error
	Close() error
}

// TCPTransport implements Transport over a TCP socket.
type TCPTransport struct {
	addr string
	log  *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed *atomic.Bool
}

// NewTCPTransport constructs a transport that will dial addr on Connect.
func NewTCPTransport(addr string, log *zap.Logger) *TCPTransport {
	return &TCPTransport{
		addr:   addr,
		log:    log,
		closed: atomic.NewBool(false),
	}
}

// Connect starts the background dial and read loop. It never blocks on the
// network; dial failure is reported through h.HandleClosed.
func (t *TCPTransport) Connect(h Handler) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	go t.run(h)
	return nil
}

func (t *TCPTransport) run(h Handler) {
	conn, err := net.DialTimeout("tcp", t.addr, tcpDialTimeout)
	if err != nil {
		t.log.Warn("tcp: dial failed", zap.String("addr", t.addr), zap.Error(err))
		t.closed.Store(true)
		h.HandleClosed(fmt.Errorf("link: dial %s: %w", t.addr, err))
		return
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		conn.Close()
		h.HandleClosed(nil)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("tcp: connected", zap.String("addr", t.addr))
	h.HandleConnected()

	buf := make([]byte, tcpReadBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			h.HandleData(buf[:n])
		}
		if err != nil {
			closed := t.closed.Swap(true)
			if !closed && !errors.Is(err, io.EOF) {
				t.log.Debug("tcp: read", zap.String("addr", t.addr), zap.Error(err))
			}
			if closed || errors.Is(err, io.EOF) {
				err = nil
			}
			h.HandleClosed(err)
			return
		}
	}
}

// Write sends p on the socket. The caller may split a frame across several
// writes; ordering is preserved.
func (t *TCPTransport) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || t.closed.Load() {
		return ErrTransportClosed
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

// Close shuts the socket down. Closing twice is a no-op.
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}
