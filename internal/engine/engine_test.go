package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"fleetcron/internal/domain"
	"fleetcron/internal/lockmgr"
	"fleetcron/internal/store"
)

func testHarness(t *testing.T, holderID string, lease time.Duration) (*Engine, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	st := store.New(db)
	locks := lockmgr.New(st, holderID, lease)
	eng := New(locks, st, domain.Env{DB: db}, nil, time.Second)
	return eng, st
}

// engineFor attaches a second engine (different holder) to an existing store.
func engineFor(st *store.Store, holderID string, spawn Spawner) *Engine {
	return New(lockmgr.New(st, holderID, time.Minute), st, domain.Env{}, spawn, time.Second)
}

func handlerOf(fn func(ctx context.Context) (json.RawMessage, error)) domain.Handler {
	return domain.HandlerFunc(func(ctx context.Context, env domain.Env, payload json.RawMessage) (json.RawMessage, error) {
		return fn(ctx)
	})
}

func TestRunTickSuccess(t *testing.T) {
	eng, st := testHarness(t, "holder-a", time.Minute)
	ctx := context.Background()

	def := domain.TaskDefinition{
		Name:     "report",
		Schedule: "* * * * *",
		Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"rows":3}`), nil
		}),
	}
	eng.RunTick(ctx, def)

	e, err := st.Latest(ctx, "report")
	if err != nil || e == nil {
		t.Fatalf("Latest: %v, %v", e, err)
	}
	if e.Status != domain.StatusSuccess {
		t.Fatalf("status = %s, want success", e.Status)
	}
	if e.Result == nil || *e.Result != `{"rows":3}` {
		t.Fatalf("result = %v", e.Result)
	}
	if locks, _ := st.List(ctx); len(locks) != 0 {
		t.Fatalf("lock not released: %+v", locks)
	}
}

func TestRunTickHandlerFailureIsolated(t *testing.T) {
	eng, st := testHarness(t, "holder-a", time.Minute)
	ctx := context.Background()

	failing := domain.TaskDefinition{
		Name:     "flaky",
		Schedule: "* * * * *",
		Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
			return nil, errors.New("downstream unavailable")
		}),
	}
	healthy := domain.TaskDefinition{
		Name:     "steady",
		Schedule: "* * * * *",
		Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
			return nil, nil
		}),
	}

	eng.RunTick(ctx, failing)
	eng.RunTick(ctx, healthy)
	eng.RunTick(ctx, failing) // next tick of the same task still runs

	entries, _ := st.ListRecent(ctx, "flaky", 10)
	if len(entries) != 2 {
		t.Fatalf("flaky entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != domain.StatusFailed || e.Error == nil || !strings.Contains(*e.Error, "downstream unavailable") {
			t.Fatalf("entry malformed: %+v", e)
		}
	}
	if e, _ := st.Latest(ctx, "steady"); e == nil || e.Status != domain.StatusSuccess {
		t.Fatalf("other task affected by failure: %+v", e)
	}
}

func TestRunTickPanicRecovered(t *testing.T) {
	eng, st := testHarness(t, "holder-a", time.Minute)
	ctx := context.Background()

	def := domain.TaskDefinition{
		Name:     "explosive",
		Schedule: "* * * * *",
		Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
			panic("kaboom")
		}),
	}
	eng.RunTick(ctx, def)

	e, _ := st.Latest(ctx, "explosive")
	if e == nil || e.Status != domain.StatusFailed {
		t.Fatalf("entry = %+v, want failed", e)
	}
	if e.Error == nil || !strings.Contains(*e.Error, "handler panic") {
		t.Fatalf("error = %v, want panic message", e.Error)
	}
	if locks, _ := st.List(ctx); len(locks) != 0 {
		t.Fatalf("lock not released after panic: %+v", locks)
	}
}

func TestRunTickTimeout(t *testing.T) {
	eng, st := testHarness(t, "holder-a", time.Minute)
	ctx := context.Background()

	def := domain.TaskDefinition{
		Name:     "snail",
		Schedule: "* * * * *",
		Timeout:  30 * time.Millisecond,
		Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
			// Never resolves; the engine must stop waiting on its own.
			<-make(chan struct{})
			return nil, nil
		}),
	}
	start := time.Now()
	eng.RunTick(ctx, def)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("RunTick blocked %v past the timeout", elapsed)
	}

	e, _ := st.Latest(ctx, "snail")
	if e == nil || e.Status != domain.StatusFailed {
		t.Fatalf("entry = %+v, want failed", e)
	}
	if e.Error == nil || !strings.Contains(*e.Error, "timed out") {
		t.Fatalf("error = %v, want timeout", e.Error)
	}

	// Lock must be free so the next tick can acquire it.
	if locks, _ := st.List(ctx); len(locks) != 0 {
		t.Fatalf("lock not released after timeout: %+v", locks)
	}
}

func TestConcurrentTicksSingleExecution(t *testing.T) {
	eng1, st := testHarness(t, "holder-a", time.Minute)
	eng2 := engineFor(st, "holder-b", nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	def := domain.TaskDefinition{
		Name:     "cleanup-expired-locks",
		Schedule: "0 * * * *",
		Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-release
			return nil, nil
		}),
	}

	done := make(chan struct{})
	go func() {
		eng1.RunTick(ctx, def)
		close(done)
	}()
	<-started

	// Second replica ticks while the first still holds the lock: the tick
	// is skipped without a log entry.
	eng2.RunTick(ctx, def)
	entries, _ := st.ListRecent(ctx, "cleanup-expired-locks", 10)
	if len(entries) != 1 {
		t.Fatalf("entries during contention = %d, want 1", len(entries))
	}

	close(release)
	<-done

	entries, _ = st.ListRecent(ctx, "cleanup-expired-locks", 10)
	if len(entries) != 1 || entries[0].Status != domain.StatusSuccess {
		t.Fatalf("final entries = %+v, want one success", entries)
	}
}

type fakeSpawner struct {
	raw []byte
	err error
}

func (f fakeSpawner) Spawn(ctx context.Context, def domain.TaskDefinition) ([]byte, error) {
	return f.raw, f.err
}

func TestIsolatedWorkerError(t *testing.T) {
	_, st := testHarness(t, "unused", time.Minute)
	eng := engineFor(st, "holder-a", fakeSpawner{raw: []byte(`{"type":"error","message":"boom"}`)})
	ctx := context.Background()

	def := domain.TaskDefinition{
		Name:     "remote",
		Schedule: "* * * * *",
		Mode:     domain.ModeIsolated,
		Handler:  handlerOf(func(ctx context.Context) (json.RawMessage, error) { return nil, nil }),
	}
	eng.RunTick(ctx, def)

	e, _ := st.Latest(ctx, "remote")
	if e == nil || e.Status != domain.StatusFailed {
		t.Fatalf("entry = %+v, want failed", e)
	}
	if e.Error == nil || !strings.Contains(*e.Error, "boom") {
		t.Fatalf("error = %v, want to contain boom", e.Error)
	}
}

func TestIsolatedWorkerCrash(t *testing.T) {
	_, st := testHarness(t, "unused", time.Minute)
	eng := engineFor(st, "holder-a", fakeSpawner{err: errors.New("exit status 2")})
	ctx := context.Background()

	def := domain.TaskDefinition{
		Name:     "remote",
		Schedule: "* * * * *",
		Mode:     domain.ModeIsolated,
		Handler:  handlerOf(func(ctx context.Context) (json.RawMessage, error) { return nil, nil }),
	}
	eng.RunTick(ctx, def)

	e, _ := st.Latest(ctx, "remote")
	if e == nil || e.Status != domain.StatusFailed || e.Error == nil || !strings.Contains(*e.Error, "worker crashed") {
		t.Fatalf("entry = %+v, want worker crash failure", e)
	}
}

func TestIsolatedWorkerSuccess(t *testing.T) {
	_, st := testHarness(t, "unused", time.Minute)
	eng := engineFor(st, "holder-a", fakeSpawner{raw: []byte(`{"type":"success","result":{"n":7}}`)})
	ctx := context.Background()

	def := domain.TaskDefinition{
		Name:     "remote",
		Schedule: "* * * * *",
		Mode:     domain.ModeIsolated,
		Handler:  handlerOf(func(ctx context.Context) (json.RawMessage, error) { return nil, nil }),
	}
	eng.RunTick(ctx, def)

	e, _ := st.Latest(ctx, "remote")
	if e == nil || e.Status != domain.StatusSuccess || e.Result == nil || *e.Result != `{"n":7}` {
		t.Fatalf("entry = %+v, want success with result", e)
	}
}

func TestParsePostback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		wantErr string
		want    string
	}{
		{name: "success", raw: `{"type":"success","result":{"ok":true}}`, want: `{"ok":true}`},
		{name: "error", raw: `{"type":"error","message":"boom"}`, wantErr: "boom"},
		{name: "error with stack", raw: `{"type":"error","message":"boom","stack":"goroutine 1"}`, wantErr: "goroutine 1"},
		{name: "garbage", raw: `exit 137`, wantErr: "worker crashed"},
		{name: "unknown type", raw: `{"type":"shrug"}`, wantErr: "worker crashed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := ParsePostback([]byte(tt.raw))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePostback: %v", err)
			}
			if string(res) != tt.want {
				t.Fatalf("result = %s, want %s", res, tt.want)
			}
		})
	}
}

func TestWorkerPostback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok := domain.TaskDefinition{Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"n":1}`), nil
	})}
	if pb := WorkerPostback(ctx, ok, domain.Env{}); pb.Type != "success" || string(pb.Result) != `{"n":1}` {
		t.Fatalf("postback = %+v", pb)
	}

	failing := domain.TaskDefinition{Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})}
	if pb := WorkerPostback(ctx, failing, domain.Env{}); pb.Type != "error" || pb.Message != "boom" {
		t.Fatalf("postback = %+v", pb)
	}

	panicking := domain.TaskDefinition{Handler: handlerOf(func(ctx context.Context) (json.RawMessage, error) {
		panic("kaboom")
	})}
	pb := WorkerPostback(ctx, panicking, domain.Env{})
	if pb.Type != "error" || pb.Message != "kaboom" || pb.Stack == "" {
		t.Fatalf("postback = %+v, want panic folded into error", pb)
	}
}
