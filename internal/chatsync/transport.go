package chatsync

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrNotConnected = errors.New("transport not connected")

// Callbacks are invoked by a Transport from a single goroutine, in the order
// the underlying channel produced them.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnEvent      func(name string, data json.RawMessage)
	// OnGiveUp is called once the reconnection budget is spent. The transport
	// stays closed until Open is called again.
	OnGiveUp func(err error)
}

// Transport is a bidirectional named-event channel that reconnects on its own.
type Transport interface {
	// Open starts connecting in the background and returns immediately.
	// Calling Open on an already open transport is a no-op.
	Open(cb Callbacks)
	Emit(event string, data any) error
	Close() error
}
