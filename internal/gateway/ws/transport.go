package ws

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/termbox/internal/terminal"
)

const defaultWriteTimeout = 10 * time.Second

// connTransport adapts a WebSocket connection to terminal.Transport.
// Each inbound message is one command line.
type connTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	reading      atomic.Bool
}

func newConnTransport(conn *websocket.Conn) *connTransport {
	return &connTransport{conn: conn, writeTimeout: defaultWriteTimeout}
}

func (t *connTransport) ReadLine(ctx context.Context) (string, error) {
	t.reading.Store(true)
	defer t.reading.Store(false)
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", terminal.ErrDisconnected, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (t *connTransport) WriteText(ctx context.Context, text string) error {
	wctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := t.conn.Write(wctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("%w: %v", terminal.ErrDisconnected, err)
	}
	return nil
}

// Reading reports whether a ReadLine call is blocked on the client. Pongs are
// only processed during a read.
func (t *connTransport) Reading() bool { return t.reading.Load() }
