package history

import (
	"context"
	"time"
)

// CallRecord is the persisted summary of one finished relay session.
type CallRecord struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	PersonaID        string    `json:"persona_id,omitempty"`
	Voice            string    `json:"voice"`
	State            string    `json:"state"`
	Reason           string    `json:"reason,omitempty"`
	FramesToUpstream int64     `json:"frames_to_upstream"`
	FramesToCaller   int64     `json:"frames_to_caller"`
	BytesToUpstream  int64     `json:"bytes_to_upstream"`
	BytesToCaller    int64     `json:"bytes_to_caller"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
}

// Store persists and retrieves call history.
type Store interface {
	SaveCall(ctx context.Context, record CallRecord) error
	RecentCalls(ctx context.Context, limit int) ([]CallRecord, error)
	Mode() string
	Close() error
}

const defaultRecentLimit = 20

func normalize(record CallRecord, newID func() string) CallRecord {
	if record.ID == "" {
		record.ID = newID()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.EndedAt
	}
	return record
}
