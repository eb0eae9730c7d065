package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/reliability"
	"github.com/antoniostano/voicerelay/internal/session"
)

var (
	ErrUpstreamConnectFailed = errors.New("upstream connect failed")
	ErrHandshakeFailed       = errors.New("upstream session handshake failed")
)

const (
	DirectionToUpstream = "to_upstream"
	DirectionToCaller   = "to_caller"

	closeReasonEnded = "session ended"
)

// Dialer opens the upstream realtime socket for one session.
type Dialer interface {
	Dial(ctx context.Context, bearer string) (protocol.Duplex, error)
}

// PhaseTracker observes state-machine transitions.
type PhaseTracker interface {
	SetPhase(sessionID string, phase session.Phase) error
}

type Config struct {
	// AwaitSessionReady holds caller frames back until the upstream
	// acknowledges the configuration with session.updated.
	AwaitSessionReady bool
}

// Params are the per-session inputs resolved before the caller connected.
type Params struct {
	SessionID string
	Bearer    string
	Settings  protocol.SessionSettings
}

// Engine runs relay sessions. It holds no per-session state, so one Engine
// serves any number of concurrent sessions.
type Engine struct {
	dialer  Dialer
	cfg     Config
	tracker PhaseTracker
	logger  *log.Logger
	metrics *observability.Metrics
}

type Option func(*Engine)

func WithTracker(t PhaseTracker) Option {
	return func(e *Engine) { e.tracker = t }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(dialer Dialer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		dialer: dialer,
		cfg:    cfg,
		logger: observability.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type pumpKind int

const (
	pumpCallerToUpstream pumpKind = iota
	pumpUpstreamToCaller
)

type pumpResult struct {
	kind       pumpKind
	err        error
	halfClosed bool
	frames     int64
	bytes      int64
}

// Run connects to the upstream, configures the session and relays frames in
// both directions until either side ends, ctx is cancelled or an error occurs.
// Both streams are closed on every path before Run returns.
func (e *Engine) Run(ctx context.Context, caller protocol.Duplex, p Params) session.Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := e.logger.With("session_id", p.SessionID)
	e.setPhase(p.SessionID, session.PhaseConnecting)

	start := time.Now()
	upstream, err := e.dialer.Dial(ctx, p.Bearer)
	e.metrics.ObserveUpstreamLatency("connect", time.Since(start))
	if err != nil {
		out := e.connectFailure(ctx, err)
		logger.Error("upstream connect failed", "err", err)
		e.closeStream(logger, "caller", caller, closeCodeFor(out), closeTextFor(out))
		e.finishPhase(p.SessionID, out)
		return out
	}
	logger.Info("connected to upstream")

	// Cancellation must interrupt configure as well as the pumps.
	stopWatch := context.AfterFunc(ctx, func() {
		_ = upstream.Close(websocket.CloseNormalClosure, closeReasonEnded)
	})
	defer stopWatch()

	var counters session.Counters
	e.setPhase(p.SessionID, session.PhaseConfiguring)
	if err := e.configure(ctx, upstream, caller, p.Settings, &counters); err != nil {
		out := e.classify(ctx, pumpResult{kind: pumpUpstreamToCaller, err: err})
		out.Counters = counters
		logger.Error("session configuration failed", "err", err)
		e.teardown(logger, upstream, caller, out)
		e.finishPhase(p.SessionID, out)
		return out
	}

	e.setPhase(p.SessionID, session.PhaseRelaying)
	results := make(chan pumpResult, 2)
	go func() { results <- e.pumpCallerToUpstream(ctx, caller.Inbound(), upstream.Outbound()) }()
	go func() { results <- e.pumpUpstreamToCaller(ctx, upstream.Inbound(), caller.Outbound()) }()

	pending := 2
	var first pumpResult
	haveFirst := false
	for !haveFirst {
		select {
		case res := <-results:
			pending--
			accumulate(&counters, res)
			if res.halfClosed && pending > 0 {
				logger.Debug("caller half-closed, upstream pump continues")
				continue
			}
			first, haveFirst = res, true
		case <-ctx.Done():
			first = pumpResult{err: ctx.Err()}
			haveFirst = true
		}
	}

	out := e.classify(ctx, first)
	cancel()
	e.teardown(logger, upstream, caller, out)
	for ; pending > 0; pending-- {
		accumulate(&counters, <-results)
	}
	out.Counters = counters

	e.finishPhase(p.SessionID, out)
	logger.Info("relay session finished",
		"state", out.State,
		"reason", out.Reason,
		"frames_to_upstream", counters.FramesToUpstream,
		"frames_to_caller", counters.FramesToCaller,
	)
	return out
}

// configure sends exactly one session.update and, when enabled, forwards
// upstream frames to the caller until the upstream acknowledges it.
func (e *Engine) configure(ctx context.Context, upstream, caller protocol.Duplex, settings protocol.SessionSettings, counters *session.Counters) error {
	payload, err := protocol.EncodeSessionUpdate(settings)
	if err != nil {
		return err
	}
	if err := upstream.Outbound().WriteFrame(ctx, protocol.TextFrame(payload)); err != nil {
		return fmt.Errorf("send session.update: %w", upstreamWriteError{err})
	}
	if !e.cfg.AwaitSessionReady {
		return nil
	}

	for {
		f, err := upstream.Inbound().ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		if err := caller.Outbound().WriteFrame(ctx, f); err != nil {
			return fmt.Errorf("forward handshake frame: %w", callerWriteError{err})
		}
		counters.FramesToCaller++
		counters.BytesToCaller += int64(len(f.Payload))
		e.metrics.ObserveFrame(DirectionToCaller, len(f.Payload))

		if protocol.IsSessionReady(f.Payload) {
			return nil
		}
		if protocol.EventTypeOf(f.Payload) == protocol.TypeError {
			return ErrHandshakeFailed
		}
	}
}

func (e *Engine) pumpCallerToUpstream(ctx context.Context, in protocol.FrameReader, out protocol.FrameWriter) pumpResult {
	res := pumpResult{kind: pumpCallerToUpstream}
	for {
		f, err := in.ReadFrame(ctx)
		if err != nil {
			res.err = err
			return res
		}
		if len(f.Payload) == 0 {
			res.halfClosed = true
			return res
		}
		if err := out.WriteFrame(ctx, f); err != nil {
			res.err = upstreamWriteError{err}
			return res
		}
		res.frames++
		res.bytes += int64(len(f.Payload))
		e.metrics.ObserveFrame(DirectionToUpstream, len(f.Payload))
	}
}

func (e *Engine) pumpUpstreamToCaller(ctx context.Context, in protocol.FrameReader, out protocol.FrameWriter) pumpResult {
	res := pumpResult{kind: pumpUpstreamToCaller}
	for {
		f, err := in.ReadFrame(ctx)
		if err != nil {
			res.err = err
			return res
		}
		if err := out.WriteFrame(ctx, f); err != nil {
			res.err = callerWriteError{err}
			return res
		}
		res.frames++
		res.bytes += int64(len(f.Payload))
		e.metrics.ObserveFrame(DirectionToCaller, len(f.Payload))
	}
}

// classify maps the first terminating event to a completion state.
// Cancellation is reported as a caller close, never as a failure.
func (e *Engine) classify(ctx context.Context, res pumpResult) session.Outcome {
	err := res.err
	var cw callerWriteError
	var uw upstreamWriteError
	switch {
	case ctx.Err() != nil || (err != nil && reliability.IsCancellation(err) && !errors.As(err, &uw)):
		return session.Outcome{State: session.StateClosedByCaller, Reason: "cancelled"}
	case res.halfClosed:
		return session.Outcome{State: session.StateClosedByCaller, Reason: "caller half-closed"}
	case errors.Is(err, ErrHandshakeFailed):
		return session.Outcome{State: session.StateFailed, Reason: "handshake rejected", Err: err}
	case errors.As(err, &cw):
		return session.Outcome{State: session.StateClosedByCaller, Reason: "caller gone", Err: err}
	case errors.As(err, &uw):
		return session.Outcome{State: session.StateFailed, Reason: "upstream write failed", Err: err}
	case res.kind == pumpCallerToUpstream && reliability.IsExpectedClose(err):
		return session.Outcome{State: session.StateClosedByCaller, Reason: "caller closed"}
	case res.kind == pumpUpstreamToCaller && reliability.IsExpectedClose(err):
		return session.Outcome{State: session.StateClosedByUpstream, Reason: "upstream closed"}
	case res.kind == pumpCallerToUpstream:
		return session.Outcome{State: session.StateClosedByCaller, Reason: "caller read failed", Err: err}
	default:
		return session.Outcome{State: session.StateFailed, Reason: "upstream read failed", Err: err}
	}
}

func (e *Engine) connectFailure(ctx context.Context, err error) session.Outcome {
	if ctx.Err() != nil {
		return session.Outcome{State: session.StateClosedByCaller, Reason: "cancelled"}
	}
	return session.Outcome{
		State:  session.StateFailed,
		Reason: "upstream connect failed",
		Err:    fmt.Errorf("%w: %v", ErrUpstreamConnectFailed, err),
	}
}

// teardown closes the upstream with a normal closure, then the caller.
// Errors are logged only.
func (e *Engine) teardown(logger *log.Logger, upstream, caller protocol.Duplex, out session.Outcome) {
	e.closeStream(logger, "upstream", upstream, websocket.CloseNormalClosure, closeReasonEnded)
	e.closeStream(logger, "caller", caller, closeCodeFor(out), closeTextFor(out))
}

func (e *Engine) closeStream(logger *log.Logger, name string, d protocol.Duplex, code int, reason string) {
	if err := d.Close(code, reason); err != nil && !reliability.IsCancellation(err) {
		logger.Debug("close stream", "stream", name, "err", err)
	}
}

func closeCodeFor(out session.Outcome) int {
	if out.State == session.StateFailed {
		return websocket.CloseInternalServerErr
	}
	return websocket.CloseNormalClosure
}

func closeTextFor(out session.Outcome) string {
	if out.State == session.StateFailed {
		return out.Reason
	}
	return closeReasonEnded
}

func (e *Engine) setPhase(sessionID string, phase session.Phase) {
	if e.tracker == nil || sessionID == "" {
		return
	}
	_ = e.tracker.SetPhase(sessionID, phase)
}

func (e *Engine) finishPhase(sessionID string, out session.Outcome) {
	if out.State == session.StateFailed {
		e.setPhase(sessionID, session.PhaseFailed)
		return
	}
	e.setPhase(sessionID, session.PhaseClosed)
}

func accumulate(c *session.Counters, res pumpResult) {
	switch res.kind {
	case pumpCallerToUpstream:
		c.FramesToUpstream += res.frames
		c.BytesToUpstream += res.bytes
	case pumpUpstreamToCaller:
		c.FramesToCaller += res.frames
		c.BytesToCaller += res.bytes
	}
}

// callerWriteError marks a failed send toward the caller.
type callerWriteError struct{ err error }

func (e callerWriteError) Error() string { return "write to caller: " + e.err.Error() }
func (e callerWriteError) Unwrap() error { return e.err }

// upstreamWriteError marks a failed send toward the upstream.
type upstreamWriteError struct{ err error }

func (e upstreamWriteError) Error() string { return "write to upstream: " + e.err.Error() }
func (e upstreamWriteError) Unwrap() error { return e.err }
