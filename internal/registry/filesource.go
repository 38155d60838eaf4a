package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	yaml "go.yaml.in/yaml/v3"

	"fleetcron/internal/domain"
)

// FileSource reads task definitions from *.yaml/*.yml files in a directory,
// one definition per file. Handler names are resolved against the kinds map
// so definitions stay declarative and serializable.
type FileSource struct {
	Dir   string
	Kinds map[string]domain.Handler
}

type fileDef struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Handler  string `yaml:"handler"`
	Mode     string `yaml:"mode"`
	Timeout  string `yaml:"timeout"`
	Payload  any    `yaml:"payload"`
}

func (f FileSource) Tasks(ctx context.Context) ([]domain.TaskDefinition, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("read task dir %s: %w", f.Dir, err)
	}

	var defs []domain.TaskDefinition
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		def, err := f.ParseFile(filepath.Join(f.Dir, e.Name()))
		if err != nil {
			// One bad file must not take the rest of the directory down.
			log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unparseable task file")
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ParseFile parses a single task definition file.
func (f FileSource) ParseFile(path string) (domain.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("read %s: %w", path, err)
	}

	var fd fileDef
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("parse %s: %w", path, err)
	}

	handler, ok := f.Kinds[fd.Handler]
	if !ok {
		return domain.TaskDefinition{}, fmt.Errorf("%s: unknown handler kind %q", path, fd.Handler)
	}

	def := domain.TaskDefinition{
		Name:     fd.Name,
		Schedule: fd.Schedule,
		Handler:  handler,
		Mode:     domain.ExecutionMode(fd.Mode),
	}
	if fd.Timeout != "" {
		d, err := time.ParseDuration(fd.Timeout)
		if err != nil {
			return domain.TaskDefinition{}, fmt.Errorf("%s: invalid timeout %q: %w", path, fd.Timeout, err)
		}
		def.Timeout = d
	}
	if fd.Payload != nil {
		j, err := json.Marshal(normalizeYAML(fd.Payload))
		if err != nil {
			return domain.TaskDefinition{}, fmt.Errorf("%s: payload: %w", path, err)
		}
		def.Payload = j
	}
	return def, nil
}

func isTaskFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// normalizeYAML ensures all map keys are strings so the payload can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
