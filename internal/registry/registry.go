package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"fleetcron/internal/domain"
)

// Registry maps task names to definitions. Registration validates the
// definition; re-registering a name replaces the previous definition with a
// warning (last registration wins), which keeps hot reload simple.
type Registry struct {
	mu         sync.RWMutex
	defs       map[string]domain.TaskDefinition
	maxTimeout time.Duration
}

func New() *Registry {
	return &Registry{defs: make(map[string]domain.TaskDefinition)}
}

// SetMaxTimeout makes Register reject definitions whose timeout exceeds
// max. Wired to the lock lease minus its safety margin at bootstrap, so a
// task can never outlive the lease that protects it.
func (r *Registry) SetMaxTimeout(max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxTimeout = max
}

func (r *Registry) Register(def domain.TaskDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidTaskDefinition)
	}
	if def.Schedule == "" {
		return fmt.Errorf("%w: %s: schedule is required", domain.ErrInvalidTaskDefinition, def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: %s: handler is required", domain.ErrInvalidTaskDefinition, def.Name)
	}
	if _, err := cron.ParseStandard(def.Schedule); err != nil {
		return fmt.Errorf("%w: %s: bad schedule %q: %v", domain.ErrInvalidTaskDefinition, def.Name, def.Schedule, err)
	}
	switch def.Mode {
	case "":
		def.Mode = domain.ModeInline
	case domain.ModeInline, domain.ModeIsolated:
	default:
		return fmt.Errorf("%w: %s: unknown execution mode %q", domain.ErrInvalidTaskDefinition, def.Name, def.Mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxTimeout > 0 && def.Timeout > r.maxTimeout {
		return fmt.Errorf("%w: %s: timeout %s exceeds the lock lease budget (%s)",
			domain.ErrInvalidTaskDefinition, def.Name, def.Timeout, r.maxTimeout)
	}
	if _, exists := r.defs[def.Name]; exists {
		log.Warn().Str("task", def.Name).Msg("duplicate task registration, replacing previous definition")
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Get(name string) (domain.TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// All returns a snapshot sorted by name, detached from the live map.
func (r *Registry) All() []domain.TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.TaskDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Source supplies candidate task definitions from somewhere external
// (config directory, built-ins). The registry core never touches the
// filesystem itself.
type Source interface {
	Tasks(ctx context.Context) ([]domain.TaskDefinition, error)
}

// Load registers every definition from every source. A definition that
// fails validation is logged and skipped so one bad task cannot block the
// rest; a source that cannot be read at all fails the load.
func Load(ctx context.Context, reg *Registry, sources ...Source) error {
	for _, src := range sources {
		defs, err := src.Tasks(ctx)
		if err != nil {
			return fmt.Errorf("load task source: %w", err)
		}
		for _, def := range defs {
			if err := reg.Register(def); err != nil {
				log.Warn().Err(err).Str("task", def.Name).Msg("skipping task definition")
				continue
			}
			log.Info().Str("task", def.Name).Str("schedule", def.Schedule).
				Str("mode", string(def.Mode)).Msg("task registered")
		}
	}
	return nil
}
