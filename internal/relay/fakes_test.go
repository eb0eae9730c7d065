package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/session"
)

// fakeStream is a channel-backed protocol.Duplex. Frames pushed to in are
// returned by ReadFrame; closing in yields io.EOF; frames sent with
// WriteFrame land on written.
type fakeStream struct {
	in      chan protocol.Frame
	readErr chan error
	written chan protocol.Frame

	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	code      int
	reason    string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:      make(chan protocol.Frame, 16),
		readErr: make(chan error, 1),
		written: make(chan protocol.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Inbound() protocol.FrameReader  { return fakeReader{s} }
func (s *fakeStream) Outbound() protocol.FrameWriter { return fakeWriter{s} }

func (s *fakeStream) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.code, s.reason = code, reason
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) closeStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.reason
}

type fakeReader struct{ s *fakeStream }

func (r fakeReader) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	select {
	case f, ok := <-r.s.in:
		if !ok {
			return protocol.Frame{}, io.EOF
		}
		return f, nil
	case err := <-r.s.readErr:
		return protocol.Frame{}, err
	case <-r.s.closed:
		return protocol.Frame{}, net.ErrClosed
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

type fakeWriter struct{ s *fakeStream }

func (w fakeWriter) WriteFrame(ctx context.Context, f protocol.Frame) error {
	if w.s.writeErr != nil {
		return w.s.writeErr
	}
	if w.s.isClosed() {
		return net.ErrClosed
	}
	select {
	case w.s.written <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeDialer struct {
	stream *fakeStream
	err    error

	mu     sync.Mutex
	bearer string
}

func (d *fakeDialer) Dial(ctx context.Context, bearer string) (protocol.Duplex, error) {
	d.mu.Lock()
	d.bearer = bearer
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.stream, nil
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []session.Phase
}

func (r *phaseRecorder) SetPhase(_ string, phase session.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
	return nil
}

func (r *phaseRecorder) snapshot() []session.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Phase(nil), r.phases...)
}

var errBoom = errors.New("boom")
