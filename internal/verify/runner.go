package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/tasks"
)

// Mode selects how the check script is executed. Automated runs gate the
// pending_approval transition; manual runs are on-demand and never change
// task status.
type Mode string

const (
	ModeAutomated Mode = "automated"
	ModeManual    Mode = "manual"
)

// Result is the verification verdict. A false Success is a normal outcome,
// not an error.
type Result struct {
	Success         bool   `json:"success"`
	TestedFileCount int    `json:"tested_file_count"`
	Detail          string `json:"detail,omitempty"`
}

// Runner executes a check script against a task's staged files.
type Runner interface {
	Verify(ctx context.Context, task tasks.Task, mode Mode) (Result, error)
}

// Step is one navigate/assert instruction of a check script.
type Step struct {
	Op  string `json:"op"`
	Arg string `json:"arg"`
}

// Script is the serialized input handed to the external browser runner.
type Script struct {
	TaskID string `json:"task_id"`
	Steps  []Step `json:"steps"`
}

// BuildScript infers navigate/assert steps from the prompt and staged files:
// one navigate plus one assert per staged module, and a smoke navigation for
// prompts that mention a dashboard.
func BuildScript(task tasks.Task) Script {
	script := Script{TaskID: task.ID}
	for _, f := range task.StagedFiles {
		route := "/" + strings.TrimSuffix(f.Path, ".js")
		script.Steps = append(script.Steps,
			Step{Op: "navigate", Arg: route},
			Step{Op: "assert", Arg: "section"},
		)
	}
	if strings.Contains(strings.ToLower(task.Prompt), "dashboard") {
		script.Steps = append(script.Steps, Step{Op: "navigate", Arg: "/"})
	}
	return script
}

// CommandRunner drives an external headless/headed browser runner binary.
// The script goes in on stdin as JSON; exit status 0 means all steps passed.
type CommandRunner struct {
	command     string
	timeout     time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func NewCommandRunner(command string, timeout time.Duration, maxAttempts int, log zerolog.Logger) *CommandRunner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &CommandRunner{
		command:     command,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "verify").Logger(),
	}
}

// Available reports whether the runner binary can be found.
func (r *CommandRunner) Available() bool {
	_, err := exec.LookPath(r.command)
	return err == nil
}

func (r *CommandRunner) Verify(ctx context.Context, task tasks.Task, mode Mode) (Result, error) {
	script := BuildScript(task)
	payload, err := json.Marshal(script)
	if err != nil {
		return Result{}, fmt.Errorf("encode script: %w", err)
	}

	attempts := r.maxAttempts
	if mode == ModeManual {
		// Manual runs are user-triggered; a single attempt keeps them snappy.
		attempts = 1
	}

	var last Result
	for attempt := 0; attempt < attempts; attempt++ {
		last, err = r.runOnce(ctx, payload, mode)
		if err != nil {
			return Result{}, err
		}
		if last.Success {
			break
		}
		r.log.Warn().
			Str("task_id", task.ID).
			Int("attempt", attempt+1).
			Str("detail", last.Detail).
			Msg("verification run failed")
	}
	last.TestedFileCount = len(task.StagedFiles)
	return last, nil
}

func (r *CommandRunner) runOnce(ctx context.Context, payload []byte, mode Mode) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"--headless"}
	if mode == ModeManual {
		args = []string{"--headed"}
	}
	cmd := exec.CommandContext(runCtx, r.command, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{Success: false, Detail: strings.TrimSpace(out.String())}, nil
		}
		return Result{}, fmt.Errorf("run verifier: %w", err)
	}
	return Result{Success: true, Detail: strings.TrimSpace(out.String())}, nil
}

// MockRunner is the local/dev verification oracle: it passes whenever every
// staged file has content, and reports the rendered step count as detail.
type MockRunner struct{}

func NewMockRunner() MockRunner { return MockRunner{} }

func (MockRunner) Verify(_ context.Context, task tasks.Task, _ Mode) (Result, error) {
	script := BuildScript(task)
	for _, f := range task.StagedFiles {
		if strings.TrimSpace(f.Content) == "" {
			return Result{
				Success:         false,
				TestedFileCount: len(task.StagedFiles),
				Detail:          fmt.Sprintf("staged file %s is empty", f.Path),
			}, nil
		}
	}
	return Result{
		Success:         true,
		TestedFileCount: len(task.StagedFiles),
		Detail:          fmt.Sprintf("%d step(s) passed", len(script.Steps)),
	}, nil
}
