package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/duplex/pkg/protocol"
	"github.com/harunnryd/duplex/pkg/transports"
)

// Transport is an in-memory transport for tests. It starts connected.
type Transport struct {
	recvCh    chan transports.Event
	closed    atomic.Bool
	connected atomic.Bool
	mu        sync.Mutex
	sent      []protocol.Message
	notify    chan struct{}
}

func New() *Transport {
	t := &Transport{
		recvCh: make(chan transports.Event, 256),
		notify: make(chan struct{}, 1),
	}
	t.connected.Store(true)
	return t
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan transports.Event { return t.recvCh }

func (t *Transport) Connected() bool { return t.connected.Load() }

func (t *Transport) Send(m protocol.Message) error {
	if !t.connected.Load() {
		return transports.ErrNotConnected
	}
	if a, ok := m.(protocol.UserAudioChunk); ok {
		m = protocol.NewUserAudioChunk(append([]byte(nil), a.Audio...))
	}
	t.mu.Lock()
	t.sent = append(t.sent, m)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) emit(ev transports.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- ev:
	default:
	}
}

// Push injects a raw inbound message.
func (t *Transport) Push(data []byte) {
	t.emit(transports.Event{Kind: transports.EventMessage, Data: data})
}

// Drop simulates the remote closing the connection.
func (t *Transport) Drop(err error) {
	t.connected.Store(false)
	t.emit(transports.Event{Kind: transports.EventClosed, Err: err})
}

// Reconnect simulates a successful reconnect.
func (t *Transport) Reconnect() {
	t.connected.Store(true)
	t.emit(transports.Event{Kind: transports.EventReconnected})
}

// Sent returns a copy of every message sent so far.
func (t *Transport) Sent() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Message(nil), t.sent...)
}

// SentNotify is signalled after each Send.
func (t *Transport) SentNotify() <-chan struct{} { return t.notify }
