package telemetry

import (
	"context"

	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/orchestrator"
)

// Sink logs orchestrator events and records them as metrics.
type Sink struct {
	metrics *Metrics
}

// NewSink creates a Sink. metrics may be nil.
func NewSink(metrics *Metrics) *Sink {
	return &Sink{metrics: metrics}
}

// Emit implements orchestrator.EventSink.
func (s *Sink) Emit(ctx context.Context, ev orchestrator.Event) {
	log := logger.FromContext(ctx).WithComponent("events").WithFields(logger.Fields{
		"event":                string(ev.Type),
		logger.FieldJobID:      ev.JobID,
		logger.FieldEntityKind: ev.EntityKind,
	})

	switch ev.Type {
	case orchestrator.EventJobStarted:
		log.WithField(logger.FieldCursor, ev.Cursor).Debug("Job started")
	case orchestrator.EventBatchCommitted:
		s.metrics.RecordBatch(ev.EntityKind, ev.Processed, ev.Errors, ev.Duplicates, ev.Duration)
		log.WithFields(logger.Fields{
			"sequence":             ev.Sequence,
			logger.FieldCursor:     ev.Cursor,
			logger.FieldDurationMs: ev.Duration.Milliseconds(),
		}).Debug("Batch committed")
	case orchestrator.EventLockStolen:
		s.metrics.RecordLockSteal(ev.Reason)
		log.WithFields(logger.Fields{
			logger.FieldResourceKey: ev.ResourceKey,
			"previous_owner":        ev.PreviousOwner,
			"reason":                ev.Reason,
		}).Warn("Lock stolen")
	case orchestrator.EventFatalError:
		s.metrics.RecordFatal(ev.EntityKind)
		log.WithError(ev.Err).Error("Job hit a fatal error")
	case orchestrator.EventJobFinished:
		s.metrics.RecordJobFinished(ev.EntityKind, string(ev.Status))
		log.WithField(logger.FieldStatus, string(ev.Status)).Info("Job finished")
	}
}
