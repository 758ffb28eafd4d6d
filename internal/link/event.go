package link

import "fmt"

// EventKind discriminates the outcomes a Conn reports to its owner. Control
// outcomes are explicit variants here, never smuggled through the sample
// value channel.
type EventKind int

const (
	// EventAuthorized fires exactly once when the pin is accepted.
	EventAuthorized EventKind = iota
	// EventRejected fires exactly once when the pin is refused. The
	// attempt is terminal; a retry needs a fresh connection.
	EventRejected
	// EventSample carries one sensor reading in Value.
	EventSample
	// EventError carries a remote or protocol error in Message.
	EventError
	// EventLost reports that the transport closed underneath the link.
	EventLost
)

func (k EventKind) String() string {
	switch k {
	case EventAuthorized:
		return "authorized"
	case EventRejected:
		return "rejected"
	case EventSample:
		return "sample"
	case EventError:
		return "error"
	case EventLost:
		return "lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is the owner-facing notification emitted by a Conn. Value is set
// for EventSample; Message is set for EventError.
type Event struct {
	Pin     string
	Kind    EventKind
	Value   float32
	Message string
}
