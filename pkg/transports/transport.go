// Package transports defines the session connection to the remote
// conversational agent.
package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/duplex/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrBufferFull   = errors.New("transport send buffer full")
)

type EventKind int

const (
	// EventConnected is the first successful connection.
	EventConnected EventKind = iota
	// EventReconnected follows an EventClosed once a new connection is up.
	EventReconnected
	EventMessage
	// EventClosed reports that the live connection is gone. The transport
	// keeps retrying on its own.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReconnected:
		return "reconnected"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	// Data is the raw inbound message for EventMessage.
	Data []byte
	// Err is why the connection ended for EventClosed.
	Err error
}

// Transport owns at most one live connection at a time. Send never blocks
// and does not keep m after it returns; outbound messages keep their order
// within a connection and are discarded with it.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan Event
	Send(protocol.Message) error
	Connected() bool
}
