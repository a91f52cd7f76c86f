package terminal

import (
	"context"
	"errors"
)

// ErrDisconnected is returned (possibly wrapped) by a Transport once the
// client side of the channel is gone.
var ErrDisconnected = errors.New("transport disconnected")

// Transport is a bidirectional line-oriented text channel to one client.
// Calls are made from a single goroutine.
type Transport interface {
	// ReadLine blocks until the next inbound line.
	ReadLine(ctx context.Context) (string, error)
	// WriteText sends text verbatim.
	WriteText(ctx context.Context, text string) error
}
