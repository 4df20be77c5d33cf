package orchestrator

import (
	"context"
	"time"

	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/lock"
)

// EventType names a structured job event.
type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventBatchCommitted EventType = "batch_committed"
	EventLockStolen     EventType = "lock_stolen"
	EventFatalError     EventType = "fatal_error"
	EventJobFinished    EventType = "job_finished"
)

// Event is emitted at job lifecycle points for logging, metrics and
// alerting.
type Event struct {
	Type       EventType
	JobID      string
	EntityKind string
	At         time.Time

	// Batch progress, set on batch_committed.
	Sequence   int64
	Cursor     string
	Processed  int64
	Errors     int64
	Duplicates int64
	Duration   time.Duration

	// Status is the final status on job_finished.
	Status domain.JobStatus
	Err    error

	// Lock takeover details, set on lock_stolen.
	ResourceKey   string
	PreviousOwner string
	Reason        string
}

// EventSink receives events. Emit must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

// Emit forwards ev to every sink.
func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// StealNotifier returns a lock.Config.OnSteal hook that reports takeovers
// as lock_stolen events.
func StealNotifier(sink EventSink, clk clock.Clock) func(ctx context.Context, key, prevOwner string, reason lock.StealReason) {
	if clk == nil {
		clk = clock.Real{}
	}
	return func(ctx context.Context, key, prevOwner string, reason lock.StealReason) {
		sink.Emit(ctx, Event{
			Type:          EventLockStolen,
			At:            clk.Now(),
			ResourceKey:   key,
			PreviousOwner: prevOwner,
			Reason:        string(reason),
		})
	}
}
