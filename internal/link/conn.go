// Package link implements the per-sensor connection state machine that
// drives the wire protocol over an asynchronous byte-stream transport.
package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/caprev/sensorlink/internal/frame"
	"github.com/caprev/sensorlink/internal/wire"
)

// Connection states. A connection walks idle → connecting →
// awaiting_handshake → authorizing → streaming; rejected is terminal from
// authorizing, closed is reachable from everywhere.
const (
	StateIdle              = "idle"
	StateConnecting        = "connecting"
	StateAwaitingHandshake = "awaiting_handshake"
	StateAuthorizing       = "authorizing"
	StateStreaming         = "streaming"
	StateRejected          = "rejected"
	StateClosed            = "closed"
)

const (
	eventDial         = "dial"
	eventTransportUp  = "transport_up"
	eventHandshakeAck = "handshake_ack"
	eventGrant        = "grant"
	eventDeny         = "deny"
	eventShutdown     = "shutdown"
)

const waitReadyPollInterval = 50 * time.Millisecond

var (
	// ErrNotReady is returned when a pin request is issued before the
	// handshake has completed. A usage error, not a transport condition.
	ErrNotReady = errors.New("link: handshake not complete")
	// ErrNotIdle is returned when Dial is called on a connection that has
	// already been started.
	ErrNotIdle = errors.New("link: connection already started")
)

func newMachine() *fsm.FSM {
	return fsm.NewFSM(StateIdle, fsm.Events{
		{Name: eventDial, Src: []string{StateIdle}, Dst: StateConnecting},
		{Name: eventTransportUp, Src: []string{StateConnecting}, Dst: StateAwaitingHandshake},
		{Name: eventHandshakeAck, Src: []string{StateAwaitingHandshake}, Dst: StateAuthorizing},
		{Name: eventGrant, Src: []string{StateAuthorizing}, Dst: StateStreaming},
		{Name: eventDeny, Src: []string{StateAuthorizing}, Dst: StateRejected},
		{Name: eventShutdown, Src: []string{
			StateIdle, StateConnecting, StateAwaitingHandshake,
			StateAuthorizing, StateStreaming, StateRejected,
		}, Dst: StateClosed},
	}, fsm.Callbacks{})
}

// Conn is one sensor connection, identified by its pin. It consumes frames
// and transport lifecycle events, emits outbound frames, and reports
// outcomes to its owner through a single Event callback.
//
// Transport callbacks arrive on the transport's goroutine; exported methods
// may be called from any goroutine. Internal state is serialised by one
// mutex, and owner events are emitted outside of it, in order.
type Conn struct {
	pin  string
	tr   Transport
	emit func(Event)
	log  *zap.Logger

	mu      sync.Mutex
	machine *fsm.FSM
	reasm   frame.Reassembler
	history *History

	// queued under mu, delivered after unlock
	pendingEvents []Event
	pendingClose  bool

	ready     *atomic.Bool // handshake complete
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn builds a connection for pin over tr. Events are delivered to emit;
// historySize bounds the retained readings (<=0 uses the default).
func NewConn(pin string, tr Transport, emit func(Event), historySize int, log *zap.Logger) *Conn {
	return &Conn{
		pin:     pin,
		tr:      tr,
		emit:    emit,
		log:     log,
		machine: newMachine(),
		history: NewHistory(historySize),
		ready:   atomic.NewBool(false),
		done:    make(chan struct{}),
	}
}

// Pin returns the sensor identifier this connection was created for.
func (c *Conn) Pin() string {
	return c.pin
}

// Dial starts the asynchronous transport connect. No frames are sent until
// the transport reports connected.
func (c *Conn) Dial() error {
	c.mu.Lock()
	if !c.machine.Is(StateIdle) {
		c.mu.Unlock()
		return ErrNotIdle
	}
	_ = c.machine.Event(context.Background(), eventDial)
	c.mu.Unlock()

	if err := c.tr.Connect(c); err != nil {
		c.Close()
		return err
	}
	return nil
}

// RequestPin sends the pin authorization request. The handshake must have
// completed; otherwise ErrNotReady is returned and nothing is sent.
func (c *Conn) RequestPin() error {
	c.mu.Lock()
	if !c.machine.Is(StateAuthorizing) && !c.machine.Is(StateStreaming) {
		c.mu.Unlock()
		return ErrNotReady
	}
	buf, err := frame.Encode(wire.Message{Type: wire.TypePinRequest, Pin: c.pin})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.log.Info("link: sending pin request", zap.String("pin", c.pin))
	return c.tr.Write(buf)
}

// WaitReady blocks until the handshake completes, the connection dies, or
// timeout elapses. It polls cooperatively rather than busy-spinning and
// returns false on timeout without disturbing the state machine.
func (c *Conn) WaitReady(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.ready.Load() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := waitReadyPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-c.done:
			return false
		case <-time.After(wait):
		}
	}
}

// Close releases the transport and moves the machine to closed. It cancels
// any in-flight WaitReady. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.machine.Can(eventShutdown) {
			_ = c.machine.Event(context.Background(), eventShutdown)
		}
		c.ready.Store(false)
		c.reasm.Reset()
		c.mu.Unlock()

		c.tr.Close()
		close(c.done)
		c.log.Info("link: connection closed", zap.String("pin", c.pin))
	})
	return nil
}

// State returns the current state name.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// Closed reports whether the connection has reached its terminal closed
// state.
func (c *Conn) Closed() bool {
	return c.State() == StateClosed
}

// Connected reports whether the link is usable: handshake complete and not
// torn down or rejected.
func (c *Conn) Connected() bool {
	s := c.State()
	return c.ready.Load() && s != StateClosed && s != StateRejected
}

// LastValue returns the most recent reading, if any.
func (c *Conn) LastValue() (float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Last()
}

// HistorySnapshot returns the retained readings oldest first.
func (c *Conn) HistorySnapshot() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Snapshot()
}

// ── transport handler ─────────────────────────────────────────────────────

// HandleConnected sends the protocol handshake as soon as the socket is up.
func (c *Conn) HandleConnected() {
	c.mu.Lock()
	if !c.machine.Is(StateConnecting) {
		c.mu.Unlock()
		return
	}
	_ = c.machine.Event(context.Background(), eventTransportUp)
	buf, err := frame.Encode(wire.Message{Type: wire.TypeConnect})
	if err == nil {
		err = c.tr.Write(buf)
	}
	if err != nil {
		c.log.Warn("link: handshake send failed", zap.String("pin", c.pin), zap.Error(err))
		c.queueLocked(Event{Pin: c.pin, Kind: EventError, Message: err.Error()})
		c.pendingClose = true
	}
	c.deliver(c.unlockAndFlush())
}

// HandleData feeds a received chunk through frame reassembly and the codec.
// Codec and framing failures are fatal for this connection only.
func (c *Conn) HandleData(p []byte) {
	c.mu.Lock()
	if c.machine.Is(StateClosed) {
		c.mu.Unlock()
		return
	}
	if err := c.reasm.Feed(p, c.consumeFrame); err != nil {
		c.log.Warn("link: protocol error", zap.String("pin", c.pin), zap.Error(err))
		c.queueLocked(Event{Pin: c.pin, Kind: EventError, Message: err.Error()})
		c.pendingClose = true
	}
	c.deliver(c.unlockAndFlush())
}

// HandleClosed reports the lost transport to the owner, unless the close
// was initiated locally.
func (c *Conn) HandleClosed(err error) {
	c.mu.Lock()
	if c.machine.Is(StateClosed) {
		c.mu.Unlock()
		return
	}
	_ = c.machine.Event(context.Background(), eventShutdown)
	c.ready.Store(false)
	c.reasm.Reset()
	msg := "connection lost"
	if err != nil {
		msg = err.Error()
	}
	c.queueLocked(Event{Pin: c.pin, Kind: EventLost, Message: msg})
	c.pendingClose = true
	c.deliver(c.unlockAndFlush())
}

// ── frame dispatch ────────────────────────────────────────────────────────

// consumeFrame runs under c.mu for each reassembled frame.
func (c *Conn) consumeFrame(payload []byte) error {
	msg, err := wire.Decode(payload)
	if err != nil {
		return err
	}

	if msg.Type == wire.TypeErrorState {
		c.log.Warn("link: remote error state",
			zap.String("pin", c.pin), zap.String("error", msg.Error))
		c.queueLocked(Event{Pin: c.pin, Kind: EventError, Message: msg.Error})
		c.pendingClose = true
		return nil
	}

	// The first inbound message after connect completes the handshake
	// whatever its variant; anything other than a pin response is logged
	// as suspect but still counts.
	if c.machine.Is(StateAwaitingHandshake) {
		if msg.Type != wire.TypePinResponse {
			c.log.Warn("link: handshake acknowledged by unexpected message",
				zap.String("pin", c.pin), zap.Stringer("type", msg.Type))
		}
		_ = c.machine.Event(context.Background(), eventHandshakeAck)
		c.ready.Store(true)
		c.log.Info("link: handshake complete", zap.String("pin", c.pin))
		return nil
	}

	switch msg.Type {
	case wire.TypePinResponse:
		if !c.machine.Is(StateAuthorizing) {
			c.log.Warn("link: pin response outside authorization",
				zap.String("pin", c.pin), zap.String("state", c.machine.Current()))
			return nil
		}
		if msg.Value > 0 {
			_ = c.machine.Event(context.Background(), eventGrant)
			c.log.Info("link: pin accepted", zap.String("pin", c.pin))
			c.queueLocked(Event{Pin: c.pin, Kind: EventAuthorized})
		} else {
			_ = c.machine.Event(context.Background(), eventDeny)
			c.log.Info("link: pin rejected", zap.String("pin", c.pin))
			c.queueLocked(Event{Pin: c.pin, Kind: EventRejected})
		}
	case wire.TypeSensorData:
		if !c.machine.Is(StateStreaming) {
			c.log.Warn("link: sample dropped outside streaming",
				zap.String("pin", c.pin), zap.String("state", c.machine.Current()))
			return nil
		}
		c.history.Push(msg.Value)
		c.queueLocked(Event{Pin: c.pin, Kind: EventSample, Value: msg.Value})
	default:
		// connect and pin_request only ever travel outbound
		c.log.Warn("link: unexpected inbound message",
			zap.String("pin", c.pin), zap.Stringer("type", msg.Type))
	}
	return nil
}

// ── event delivery ────────────────────────────────────────────────────────

func (c *Conn) queueLocked(e Event) {
	c.pendingEvents = append(c.pendingEvents, e)
}

// unlockAndFlush takes the queued events and close request and releases the
// mutex so the owner callback can re-enter the connection.
func (c *Conn) unlockAndFlush() ([]Event, bool) {
	evs := c.pendingEvents
	c.pendingEvents = nil
	closeNow := c.pendingClose
	c.pendingClose = false
	c.mu.Unlock()
	return evs, closeNow
}

func (c *Conn) deliver(evs []Event, closeNow bool) {
	if closeNow {
		// Transition before the owner observes the terminal event so a
		// re-entrant Close is a no-op.
		c.Close()
	}
	for _, e := range evs {
		if c.emit != nil {
			c.emit(e)
		}
	}
}
