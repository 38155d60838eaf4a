package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"fleetcron/internal/api"
	"fleetcron/internal/config"
	"fleetcron/internal/domain"
	"fleetcron/internal/engine"
	"fleetcron/internal/handlers/httpcall"
	"fleetcron/internal/handlers/shell"
	"fleetcron/internal/lockmgr"
	"fleetcron/internal/registry"
	"fleetcron/internal/scheduler"
	"fleetcron/internal/stats"
	"fleetcron/internal/store"
	"fleetcron/internal/tasks"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to YAML config file")
		addr     = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath   = flag.String("db", "", "SQLite DB path (overrides config)")
		debug    = flag.Bool("debug", false, "enable pprof endpoints")
		execTask = flag.String("exec-task", "", "internal: run one task as an isolated worker and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if *execTask != "" {
		os.Exit(runWorker(cfg, *execTask))
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := openDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	holderID := cfg.InstanceID
	if holderID == "" {
		host, _ := os.Hostname()
		holderID = fmt.Sprintf("%s-%s", host, uuid.NewString())
	}
	log.Info().Str("holder_id", holderID).Msg("instance identity")

	st := store.New(db)
	reg := registry.New()
	reg.SetMaxTimeout(cfg.MaxTaskTimeout())
	fileSrc, sources := taskSources(cfg)
	if err := registry.Load(context.Background(), reg, sources...); err != nil {
		log.Fatal().Err(err).Msg("load tasks")
	}

	locks := lockmgr.New(st, holderID, cfg.Lease)
	env := domain.Env{DB: db}
	eng := engine.New(locks, st, env, engine.ProcessSpawner{ConfigPath: *cfgPath, DBPath: cfg.DBPath}, cfg.DefaultTimeout)
	ctrl := scheduler.New(reg, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Stop()

	if cfg.WatchTasks && fileSrc != nil {
		w, err := registry.NewWatcher(*fileSrc, reg, ctrl.Restart)
		if err != nil {
			log.Warn().Err(err).Msg("task watcher unavailable")
		} else {
			go w.Run(ctx)
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServerWithDebug(reg, stats.New(st), st, st, *debug),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctrl.Stop()
	if !eng.Wait(cfg.DrainGrace) {
		log.Warn().Dur("grace", cfg.DrainGrace).Msg("in-flight executions not drained, lease will cover them")
	}
	cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// runWorker is the isolated-execution child: resolve the task, run its
// handler, write exactly one postback to stdout. Logs go to stderr so
// stdout stays machine-readable. The parent holds the lock and records the
// outcome; this process only executes.
func runWorker(cfg config.Config, taskName string) int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	db, err := openDB(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("worker: open db")
		return 1
	}
	defer db.Close()

	reg := registry.New()
	_, sources := taskSources(cfg)
	if err := registry.Load(context.Background(), reg, sources...); err != nil {
		log.Error().Err(err).Msg("worker: load tasks")
		return 1
	}

	def, ok := reg.Get(taskName)
	pb := engine.Postback{Type: "error", Message: fmt.Sprintf("unknown task %q", taskName)}
	if ok {
		timeout := def.Timeout
		if timeout <= 0 {
			timeout = cfg.DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		env := domain.Env{DB: db, Log: log.With().Str("task", def.Name).Logger()}
		pb = engine.WorkerPostback(ctx, def, env)
	}

	if err := json.NewEncoder(os.Stdout).Encode(pb); err != nil {
		log.Error().Err(err).Msg("worker: write postback")
		return 1
	}
	return 0
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// taskSources returns the file source (nil when the directory is absent)
// plus the full source list for Load.
func taskSources(cfg config.Config) (*registry.FileSource, []registry.Source) {
	sources := []registry.Source{tasks.Builtin(cfg.LogRetention)}
	if info, err := os.Stat(cfg.TasksDir); err == nil && info.IsDir() {
		fs := registry.FileSource{
			Dir: cfg.TasksDir,
			Kinds: map[string]domain.Handler{
				"shell": shell.Shell{},
				"http":  httpcall.HTTP{},
			},
		}
		sources = append(sources, fs)
		return &fs, sources
	}
	log.Debug().Str("dir", cfg.TasksDir).Msg("no task directory, using built-ins only")
	return nil, sources
}
