package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/protocol"
)

const closeGrace = time.Second

// Options tune a Bridge.
type Options struct {
	// WriteTimeout bounds a single outbound send. Zero disables the deadline.
	WriteTimeout time.Duration
	// MaxMessageBytes caps inbound message size. Zero leaves gorilla's default.
	MaxMessageBytes int64
}

// Bridge adapts an upgraded or dialed websocket into a protocol.Duplex.
// The inbound half only reads and the outbound half only writes, matching
// gorilla's one-reader/one-writer rule.
type Bridge struct {
	conn *websocket.Conn
	in   *inbound
	out  *outbound

	closeOnce sync.Once
	closeErr  error
}

var _ protocol.Duplex = (*Bridge)(nil)

func NewBridge(conn *websocket.Conn, opts Options) *Bridge {
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	return &Bridge{
		conn: conn,
		in:   &inbound{conn: conn},
		out:  &outbound{conn: conn, timeout: opts.WriteTimeout},
	}
}

func (b *Bridge) Inbound() protocol.FrameReader  { return b.in }
func (b *Bridge) Outbound() protocol.FrameWriter { return b.out }

// Close sends a close frame with code and reason, then releases the socket.
// Only the first call has an effect.
func (b *Bridge) Close(code int, reason string) error {
	b.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		err := b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		b.closeErr = errors.Join(err, b.conn.Close())
	})
	return b.closeErr
}

type inbound struct {
	conn *websocket.Conn
}

// ReadFrame blocks until one message arrives, the peer closes or ctx ends.
func (r *inbound) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	mt, payload, err := r.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Frame{}, ctxErr
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
			return protocol.Frame{}, fmt.Errorf("peer closed (%d %s): %w", ce.Code, ce.Text, io.EOF)
		}
		return protocol.Frame{}, err
	}
	return protocol.Frame{Type: mt, Payload: payload}, nil
}

type outbound struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (w *outbound) WriteFrame(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.timeout > 0 {
		deadline := time.Now().Add(w.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	mt := f.Type
	if mt == 0 {
		mt = websocket.TextMessage
	}
	return w.conn.WriteMessage(mt, f.Payload)
}
