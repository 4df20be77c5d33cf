package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/orchestrator"
)

const pollInterval = time.Second

func newRunCmd(opts *options) *cobra.Command {
	var (
		batchSize int
		direction string
	)
	cmd := &cobra.Command{
		Use:   "run <entity-kind>",
		Short: "Sync one entity kind in the foreground and wait for it to finish",
		Long: `Sync one entity kind in the foreground. If a pending job for the kind
exists it is started instead of creating a new one. Interrupting the command
releases the lock and leaves the job running, so the next run or serve
resumes it from its checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args[0], orchestrator.CreateOptions{
				BatchSize: batchSize,
				Direction: domain.Direction(direction),
				Trigger:   "cli",
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Items per batch (default from config)")
	cmd.Flags().StringVar(&direction, "direction", string(domain.DirectionImport), "Sync direction (import, export)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *options, kind string, createOpts orchestrator.CreateOptions) error {
	ctx, stop := signal.NotifyContext(ctxOrBackground(cmd.Context()), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cfg, log, err := bootstrap(ctx, opts, "cli")
	if err != nil {
		return err
	}
	eng, err := newEngine(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer eng.close(context.Background())

	eng.scheduler.Start(ctx, eng.orch.RunBatch)

	job, err := eng.orch.Trigger(ctx, kind, createOpts)
	if err != nil {
		if job != nil {
			_ = writeJSON(cmd.OutOrStdout(), job)
		}
		return err
	}
	ctx = logger.SetJobID(ctx, job.ID)
	logger.CtxInfo(ctx, "Waiting for job %s", job.ID)

	job, err = waitForJob(ctx, eng.orch, job.ID)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), job); err != nil {
		return err
	}
	if job.Status != domain.JobStatusCompleted {
		return fmt.Errorf("job %s finished with status %s", job.ID, job.Status)
	}
	return nil
}

// waitForJob polls until the job is terminal or paused.
func waitForJob(ctx context.Context, orch *orchestrator.Orchestrator, jobID string) (*domain.SyncJob, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := orch.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() || job.Status == domain.JobStatusPaused {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Print a job snapshot, or the recent jobs of an entity kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, log, err := bootstrap(ctxOrBackground(cmd.Context()), opts, "cli")
			if err != nil {
				return err
			}
			eng, err := newEngine(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			if len(args) == 1 {
				job, err := eng.orch.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), job)
			}
			jobs, err := eng.orch.List(ctx, kind, "", 20, 0)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by entity kind when no job id is given")
	return cmd
}
