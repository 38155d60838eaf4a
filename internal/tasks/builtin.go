package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetcron/internal/domain"
	"fleetcron/internal/registry"
	"fleetcron/internal/store"
)

// Builtin returns the maintenance tasks every instance registers: sweeping
// lock rows whose lease lapsed without a release, and pruning old execution
// log rows. Both are ordinary scheduled tasks and go through the same lock
// gate as everything else, so only one replica per tick does the work.
func Builtin(logRetention time.Duration) registry.Source {
	return builtinSource{logRetention: logRetention}
}

type builtinSource struct {
	logRetention time.Duration
}

func (b builtinSource) Tasks(ctx context.Context) ([]domain.TaskDefinition, error) {
	retention, err := json.Marshal(pruneOpts{Retention: b.logRetention.String()})
	if err != nil {
		return nil, err
	}
	return []domain.TaskDefinition{
		{
			Name:     "cleanup-expired-locks",
			Schedule: "0 * * * *",
			Handler:  domain.HandlerFunc(cleanupExpiredLocks),
			Timeout:  time.Minute,
		},
		{
			Name:     "prune-execution-log",
			Schedule: "30 3 * * *",
			Handler:  domain.HandlerFunc(pruneExecutionLog),
			Payload:  retention,
			Timeout:  2 * time.Minute,
		},
	}, nil
}

func cleanupExpiredLocks(ctx context.Context, env domain.Env, _ json.RawMessage) (json.RawMessage, error) {
	n, err := store.New(env.DB).DeleteExpired(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	env.Log.Info().Int64("deleted", n).Msg("expired locks swept")
	return json.Marshal(map[string]int64{"deleted": n})
}

type pruneOpts struct {
	Retention string `json:"retention"`
}

func pruneExecutionLog(ctx context.Context, env domain.Env, payload json.RawMessage) (json.RawMessage, error) {
	var opts pruneOpts
	if err := json.Unmarshal(payload, &opts); err != nil {
		return nil, fmt.Errorf("invalid prune payload: %w", err)
	}
	retention, err := time.ParseDuration(opts.Retention)
	if err != nil {
		return nil, fmt.Errorf("invalid retention %q: %w", opts.Retention, err)
	}
	n, err := store.New(env.DB).PruneBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return nil, err
	}
	env.Log.Info().Int64("pruned", n).Msg("old execution log rows pruned")
	return json.Marshal(map[string]int64{"pruned": n})
}
