package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"

	"fleetcron/internal/domain"
)

// Spawner runs a task in an isolated worker and returns the raw postback
// message it produced. The default implementation re-execs this binary;
// tests substitute their own.
type Spawner interface {
	Spawn(ctx context.Context, def domain.TaskDefinition) ([]byte, error)
}

// Postback is the structured message an isolated worker writes to stdout
// when it finishes.
type Postback struct {
	Type    string          `json:"type"` // "success" or "error"
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// ParsePostback decodes a worker postback. An undecodable message counts as
// a crashed worker.
func ParsePostback(raw []byte) (json.RawMessage, error) {
	var pb Postback
	if err := json.Unmarshal(bytes.TrimSpace(raw), &pb); err != nil {
		return nil, fmt.Errorf("worker crashed: unreadable postback: %w", err)
	}
	switch pb.Type {
	case "success":
		return pb.Result, nil
	case "error":
		if pb.Stack != "" {
			return nil, fmt.Errorf("%s\n%s", pb.Message, pb.Stack)
		}
		return nil, errors.New(pb.Message)
	default:
		return nil, fmt.Errorf("worker crashed: unknown postback type %q", pb.Type)
	}
}

// ProcessSpawner runs the task in a child copy of this binary. The child
// resolves the task from the same sources, executes it without touching the
// lock (the parent holds it), and writes one Postback to stdout. Killing
// the child on timeout is the reason hang-prone tasks should be isolated.
type ProcessSpawner struct {
	ConfigPath string
	DBPath     string
}

func (p ProcessSpawner) Spawn(ctx context.Context, def domain.TaskDefinition) ([]byte, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{"-exec-task", def.Name}
	if p.ConfigPath != "" {
		args = append(args, "-config", p.ConfigPath)
	}
	if p.DBPath != "" {
		args = append(args, "-db", p.DBPath)
	}
	cmd := exec.CommandContext(ctx, exe, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// WorkerPostback is the child-side half of the protocol: run the handler
// and fold the outcome (including panics) into a Postback.
func WorkerPostback(ctx context.Context, def domain.TaskDefinition, env domain.Env) (pb Postback) {
	defer func() {
		if r := recover(); r != nil {
			pb = Postback{Type: "error", Message: fmt.Sprint(r), Stack: string(debug.Stack())}
		}
	}()
	res, err := def.Handler.Execute(ctx, env, def.Payload)
	if err != nil {
		return Postback{Type: "error", Message: err.Error()}
	}
	return Postback{Type: "success", Result: res}
}
