package protocol

import "context"

// FrameReader is the receive half of a duplex frame stream. Reads return
// io.EOF (possibly wrapped) once the peer has closed in an orderly way.
type FrameReader interface {
	ReadFrame(ctx context.Context) (Frame, error)
}

// FrameWriter is the send half of a duplex frame stream. One call sends one
// message.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// Duplex exposes separate receive and send halves so one goroutine may own
// each. Close is safe to call concurrently with either half and more than once.
type Duplex interface {
	Inbound() FrameReader
	Outbound() FrameWriter
	Close(code int, reason string) error
}
