package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"fleetcron/internal/domain"
	"fleetcron/internal/engine"
)

// TaskSet is the slice of the registry the controller needs: a snapshot of
// every definition to start a loop for.
type TaskSet interface {
	All() []domain.TaskDefinition
}

// Controller owns one trigger loop per registered task. Each loop computes
// the next fire instant from wall clock on every iteration (one-shot timer,
// re-armed after each tick) so clock adjustments and DST are re-resolved
// instead of accumulating a fixed interval.
type Controller struct {
	reg TaskSet
	eng *engine.Engine

	mu      sync.Mutex
	started bool
	stopped bool
	base    context.Context
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(reg TaskSet, eng *engine.Engine) *Controller {
	return &Controller{reg: reg, eng: eng, cancels: make(map[string]context.CancelFunc)}
}

// Start launches a trigger loop for every registered task. A task whose
// schedule fails to parse is logged and skipped; the rest still start.
// Expects a single call per process lifetime.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.base = ctx

	defs := c.reg.All()
	for _, def := range defs {
		c.startTaskLocked(def)
	}
	log.Info().Int("tasks", len(defs)).Msg("scheduler started")
}

// Restart replaces the trigger loop for one task after its definition was
// reloaded. No-op before Start and after Stop.
func (c *Controller) Restart(def domain.TaskDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped || c.base.Err() != nil {
		return
	}
	if cancel, ok := c.cancels[def.Name]; ok {
		cancel()
		delete(c.cancels, def.Name)
	}
	c.startTaskLocked(def)
}

// Stop cancels all trigger loops and waits for them to exit. In-flight
// executions are not aborted; they finish or time out on their own, with
// the lock lease as the safety net if the process dies first. Safe to call
// more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	already := c.stopped
	c.stopped = true
	for name, cancel := range c.cancels {
		cancel()
		delete(c.cancels, name)
	}
	c.mu.Unlock()
	c.wg.Wait()
	if !already {
		log.Info().Msg("scheduler stopped")
	}
}

func (c *Controller) startTaskLocked(def domain.TaskDefinition) {
	sched, err := cron.ParseStandard(def.Schedule)
	if err != nil {
		log.Error().Err(err).Str("task", def.Name).Str("schedule", def.Schedule).
			Msg("bad schedule, task not started")
		return
	}

	tctx, cancel := context.WithCancel(c.base)
	c.cancels[def.Name] = cancel

	// Executions must survive Stop(): give them a context that ignores the
	// trigger loop's cancellation.
	execCtx := context.WithoutCancel(tctx)

	c.wg.Add(1)
	go c.runLoop(tctx, execCtx, def, sched)
}

func (c *Controller) runLoop(ctx, execCtx context.Context, def domain.TaskDefinition, sched cron.Schedule) {
	defer c.wg.Done()
	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			// Fire-and-forget: the next tick is armed immediately. An
			// overlapping tick of the same task loses lock acquisition and
			// is skipped, not queued.
			go c.eng.RunTick(execCtx, def)
		}
	}
}

// ValidateCronExpression validates a standard 5-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next fire instant for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
