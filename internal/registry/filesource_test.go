package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetcron/internal/domain"
)

func writeTaskFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFileSourceTasks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTaskFile(t, dir, "cleanup.yaml", `
name: cleanup-temp
schedule: "0 * * * *"
handler: shell
mode: isolated
timeout: 2m
payload:
  command: find
  args: ["/tmp/scratch", "-mtime", "+7", "-delete"]
`)
	writeTaskFile(t, dir, "ping.yml", `
name: ping-upstream
schedule: "*/5 * * * *"
handler: shell
payload:
  command: "true"
`)
	writeTaskFile(t, dir, "broken.yaml", `name: [not, a, string]`)
	writeTaskFile(t, dir, "notes.txt", `not a task`)

	src := FileSource{Dir: dir, Kinds: map[string]domain.Handler{"shell": noopHandler()}}
	defs, err := src.Tasks(context.Background())
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2 (broken and non-yaml skipped)", len(defs))
	}

	byName := map[string]domain.TaskDefinition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	cleanup, ok := byName["cleanup-temp"]
	if !ok {
		t.Fatalf("cleanup-temp missing from %v", byName)
	}
	if cleanup.Mode != domain.ModeIsolated || cleanup.Timeout != 2*time.Minute {
		t.Fatalf("cleanup-temp parsed wrong: %+v", cleanup)
	}
	var payload struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.Unmarshal(cleanup.Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.Command != "find" || len(payload.Args) != 4 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestFileSourceUnknownHandler(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTaskFile(t, dir, "task.yaml", `
name: mystery
schedule: "* * * * *"
handler: teleport
`)
	src := FileSource{Dir: dir, Kinds: map[string]domain.Handler{"shell": noopHandler()}}
	if _, err := src.ParseFile(filepath.Join(dir, "task.yaml")); err == nil {
		t.Fatal("expected error for unknown handler kind")
	}

	defs, err := src.Tasks(context.Background())
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("defs = %d, want 0", len(defs))
	}
}

func TestFileSourceMissingDir(t *testing.T) {
	t.Parallel()
	src := FileSource{Dir: filepath.Join(t.TempDir(), "absent"), Kinds: nil}
	if _, err := src.Tasks(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
