package session

// State is the completion state of a relay session.
type State string

const (
	StateActive           State = "active"
	StateClosedByCaller   State = "closed_by_caller"
	StateClosedByUpstream State = "closed_by_upstream"
	StateFailed           State = "failed"
)

// Phase follows Idle -> Connecting -> Configuring -> Relaying -> Closed|Failed.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseConnecting  Phase = "connecting"
	PhaseConfiguring Phase = "configuring"
	PhaseRelaying    Phase = "relaying"
	PhaseClosed      Phase = "closed"
	PhaseFailed      Phase = "failed"
)

// Counters are per-direction relay totals.
type Counters struct {
	FramesToUpstream int64 `json:"frames_to_upstream"`
	FramesToCaller   int64 `json:"frames_to_caller"`
	BytesToUpstream  int64 `json:"bytes_to_upstream"`
	BytesToCaller    int64 `json:"bytes_to_caller"`
}

// Outcome describes how a relay session ended.
type Outcome struct {
	State  State
	Reason string
	Err    error
	Counters
}
