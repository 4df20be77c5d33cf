// Package checkpoint persists the resume point of each sync job.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/timmy/catalogsync/internal/clock"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/retry"
	"gorm.io/datatypes"
)

// Repository is the persistence a Store needs.
type Repository interface {
	Upsert(ctx context.Context, cp *domain.Checkpoint) error
	Get(ctx context.Context, jobID string) (*domain.Checkpoint, error)
	Delete(ctx context.Context, jobID string) error
}

// Stats is the progress snapshot saved with a cursor.
type Stats = domain.CheckpointStats

// Store saves one checkpoint per job. Saves are last-write-wins overwrites,
// retried through a retry policy, and refuse to move a job's sequence
// backwards within the lifetime of the Store.
type Store struct {
	repo   Repository
	policy retry.Policy
	clock  clock.Clock

	mu   sync.Mutex
	last map[string]int64
}

// NewStore creates a Store. A zero policy uses retry.DefaultPolicy.
func NewStore(repo Repository, policy retry.Policy, clk clock.Clock) *Store {
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if policy.Clock == nil {
		policy.Clock = clk
	}
	return &Store{
		repo:   repo,
		policy: policy,
		clock:  clk,
		last:   make(map[string]int64),
	}
}

// Save records cursor as the last committed page of jobID. sequence counts
// committed pages; a save whose sequence is not greater than the last one
// saved for the job is skipped with a warning.
// Returns:
//   - bool: true when the checkpoint was written.
//   - error: a *syncerr.FatalError once the retry budget is spent.
func (s *Store) Save(ctx context.Context, jobID, cursor string, sequence int64, stats Stats) (bool, error) {
	s.mu.Lock()
	prev, seen := s.last[jobID]
	s.mu.Unlock()
	if seen && sequence <= prev {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldJobID:  jobID,
			logger.FieldCursor: cursor,
			"sequence":         sequence,
			"last_sequence":    prev,
		}).Warn("Refusing to move checkpoint backwards")
		return false, nil
	}

	cp := &domain.Checkpoint{
		JobID:     jobID,
		Cursor:    cursor,
		Sequence:  sequence,
		Stats:     datatypes.NewJSONType(stats),
		UpdatedAt: s.clock.Now(),
	}
	err := s.policy.Do(ctx, "checkpoint.save", func(ctx context.Context) error {
		return s.repo.Upsert(ctx, cp)
	})
	if err != nil {
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldJobID:  jobID,
			logger.FieldCursor: cursor,
		}).WithError(err).Error("Checkpoint save failed")
		return false, err
	}

	s.mu.Lock()
	if sequence > s.last[jobID] {
		s.last[jobID] = sequence
	}
	s.mu.Unlock()
	return true, nil
}

// Load returns the checkpoint of jobID, or nil when the job has none. The
// loaded sequence becomes the floor for later saves.
func (s *Store) Load(ctx context.Context, jobID string) (*domain.Checkpoint, error) {
	cp, err := retry.Run(ctx, s.policy, "checkpoint.load", func(ctx context.Context) (*domain.Checkpoint, error) {
		return s.repo.Get(ctx, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	if cp != nil {
		s.mu.Lock()
		if cp.Sequence > s.last[jobID] {
			s.last[jobID] = cp.Sequence
		}
		s.mu.Unlock()
	}
	return cp, nil
}

// Clear deletes the checkpoint of a completed job.
func (s *Store) Clear(ctx context.Context, jobID string) error {
	err := s.policy.Do(ctx, "checkpoint.clear", func(ctx context.Context) error {
		return s.repo.Delete(ctx, jobID)
	})
	if err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", jobID, err)
	}
	s.mu.Lock()
	delete(s.last, jobID)
	s.mu.Unlock()
	return nil
}
