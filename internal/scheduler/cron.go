package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/timmy/catalogsync/internal/logger"
)

// cronParser accepts 5-field expressions and descriptors such as @hourly or
// @every 10m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec parses.
func ValidateSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Task is a recurring trigger body.
type Task func(ctx context.Context) error

// Cron runs named tasks on cron schedules. A run still in progress when its
// next tick arrives is skipped.
type Cron struct {
	c   *cron.Cron
	ctx context.Context

	mu    sync.Mutex
	names map[string]cron.EntryID
}

// NewCron creates a Cron whose tasks receive ctx.
func NewCron(ctx context.Context) *Cron {
	ctx = logger.SetComponent(ctx, "cron")
	l := cronLogger{log: logger.FromContext(ctx)}
	return &Cron{
		c: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		ctx:   ctx,
		names: make(map[string]cron.EntryID),
	}
}

// Add registers task under name. Adding a name twice replaces its schedule.
func (c *Cron) Add(name, spec string, task Task) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.names[name]; ok {
		c.c.Remove(id)
	}
	id, err := c.c.AddFunc(spec, func() {
		ctx := logger.WithField(c.ctx, "task", name)
		if err := task(ctx); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Scheduled task failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	c.names[name] = id
	logger.FromContext(c.ctx).WithFields(logger.Fields{
		"task":     name,
		"schedule": spec,
	}).Info("Task scheduled")
	return nil
}

// Names returns the registered task names.
func (c *Cron) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	return out
}

// Start begins firing tasks.
func (c *Cron) Start() {
	c.c.Start()
}

// Stop stops firing and waits for running tasks or ctx.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	fields := make(logger.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
