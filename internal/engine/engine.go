package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fleetcron/internal/domain"
	"fleetcron/internal/lockmgr"
	"fleetcron/internal/store"
)

// Engine runs one tick of one task: win the lock, record a running entry,
// dispatch the handler inline or in an isolated worker, record the terminal
// status, release. Everything a handler can do wrong (error, panic, hang)
// is absorbed here and never reaches the trigger loops.
type Engine struct {
	locks          *lockmgr.Manager
	logs           store.ExecutionLogStore
	env            domain.Env
	spawn          Spawner
	defaultTimeout time.Duration

	wg sync.WaitGroup
}

func New(locks *lockmgr.Manager, logs store.ExecutionLogStore, env domain.Env, spawn Spawner, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Minute
	}
	return &Engine{locks: locks, logs: logs, env: env, spawn: spawn, defaultTimeout: defaultTimeout}
}

// RunTick executes one tick of def. ctx must outlive scheduler shutdown so
// in-flight work can drain; the per-task timeout is applied internally.
func (e *Engine) RunTick(ctx context.Context, def domain.TaskDefinition) {
	e.wg.Add(1)
	defer e.wg.Done()

	if !e.locks.Acquire(ctx, def.Name) {
		log.Debug().Str("task", def.Name).Msg("lock held elsewhere, tick skipped")
		return
	}

	started := time.Now()
	logID, err := e.logs.InsertRunning(ctx, def.Name, started)
	if err != nil {
		log.Error().Err(err).Str("task", def.Name).Msg("cannot record execution start, skipping tick")
		e.locks.Release(ctx, def.Name)
		return
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result json.RawMessage
	var runErr error
	if def.Mode == domain.ModeIsolated {
		result, runErr = e.runIsolated(runCtx, def, timeout)
	} else {
		result, runErr = e.runInline(runCtx, def, timeout)
	}

	finished := time.Now()
	durMs := finished.Sub(started).Milliseconds()

	status := domain.StatusSuccess
	var resStr, errStr *string
	if runErr != nil {
		status = domain.StatusFailed
		s := runErr.Error()
		errStr = &s
		log.Warn().Err(runErr).Str("task", def.Name).Int64("duration_ms", durMs).Msg("task failed")
	} else {
		if len(result) > 0 {
			s := string(result)
			resStr = &s
		}
		log.Info().Str("task", def.Name).Int64("duration_ms", durMs).Msg("task completed")
	}

	if err := e.logs.UpdateTerminal(ctx, logID, status, finished, durMs, resStr, errStr); err != nil {
		log.Error().Err(err).Str("task", def.Name).Int64("log_id", logID).Msg("cannot record execution outcome")
	}
	e.locks.Release(ctx, def.Name)
}

// Wait blocks until in-flight executions finish or the grace period runs
// out. Used for best-effort drain at shutdown; abandoned work is covered by
// the lease.
func (e *Engine) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (e *Engine) runInline(ctx context.Context, def domain.TaskDefinition, timeout time.Duration) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)

	env := e.env
	env.Log = log.With().Str("task", def.Name).Logger()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := def.Handler.Execute(ctx, env, def.Payload)
		ch <- outcome{result: res, err: err}
	}()

	// On timeout we stop waiting; the handler goroutine keeps running until
	// it honors ctx on its own. No preemption for inline work.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("task timed out after %s", timeout)
	case o := <-ch:
		return o.result, o.err
	}
}

func (e *Engine) runIsolated(ctx context.Context, def domain.TaskDefinition, timeout time.Duration) (json.RawMessage, error) {
	raw, err := e.spawn.Spawn(ctx, def)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("task timed out after %s", timeout)
		}
		return nil, fmt.Errorf("worker crashed: %w", err)
	}
	return ParsePostback(raw)
}
