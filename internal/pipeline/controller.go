package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/observability"
	"github.com/edoblanco/codesmith/internal/protocol"
	"github.com/edoblanco/codesmith/internal/reliability"
	"github.com/edoblanco/codesmith/internal/synth"
	"github.com/edoblanco/codesmith/internal/tasks"
	"github.com/edoblanco/codesmith/internal/verify"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrEmptyPrompt       = errors.New("prompt is empty")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// EventSink receives lifecycle events. Emission failures are the sink's
// problem; the pipeline never blocks or fails on delivery.
type EventSink interface {
	PublishTaskUpdate(msg protocol.TaskUpdate, final bool)
	PublishProposal(msg protocol.BackendProposal)
}

// Config tunes the controller's filesystem and retry behavior.
type Config struct {
	// StagingRoot holds generated files per task until apply or rollback.
	StagingRoot string
	// ApplyRoot is the live tree staged files are written into on apply.
	ApplyRoot string

	RetryBaseDelay   time.Duration
	ApplyMaxAttempts int
}

// Controller is the task lifecycle state machine. It owns the transitions
// submit -> process -> approve/apply|rollback -> delete, writes a history
// entry on every transition, and emits an event at every step.
//
// A per-task mutex serializes Process, Apply, Rollback, and Delete for the
// same identifier; the dedup ledger on top of that only saves duplicate
// generation work.
type Controller struct {
	cfg       Config
	store     *tasks.Persistence
	ledger    *tasks.DedupLedger
	parser    synth.Parser
	generator synth.Generator
	runner    verify.Runner
	events    EventSink
	metrics   *observability.Metrics
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	wg       sync.WaitGroup
	runAsync func(fn func())
	now      func() time.Time
}

func NewController(
	cfg Config,
	store *tasks.Persistence,
	ledger *tasks.DedupLedger,
	parser synth.Parser,
	generator synth.Generator,
	runner verify.Runner,
	events EventSink,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Controller {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.ApplyMaxAttempts <= 0 {
		cfg.ApplyMaxAttempts = 3
	}
	if events == nil {
		events = noopSink{}
	}
	return &Controller{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		parser:    parser,
		generator: generator,
		runner:    runner,
		events:    events,
		metrics:   metrics,
		log:       log.With().Str("component", "pipeline").Logger(),
		locks:     make(map[string]*sync.Mutex),
		runAsync:  func(fn func()) { go fn() },
		now:       time.Now,
	}
}

// Close waits for in-flight background processing to finish.
func (c *Controller) Close() {
	c.wg.Wait()
}

// SetAsyncRunner replaces the goroutine launcher used for background
// processing. Tests install a synchronous runner.
func (c *Controller) SetAsyncRunner(fn func(func())) {
	c.runAsync = fn
}

// Submit creates (or reuses) a task for a prompt, moves it to processing,
// and kicks off Process in the background. The returned task reflects the
// processing state, not the final outcome.
func (c *Controller) Submit(ctx context.Context, taskID, prompt string) (tasks.Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return tasks.Task{}, ErrEmptyPrompt
	}
	if strings.TrimSpace(taskID) == "" {
		taskID = uuid.NewString()
	}

	task, err := c.submitLocked(ctx, taskID, prompt)
	if err != nil {
		return tasks.Task{}, err
	}

	// The task lock is released before launch so a synchronous runner can
	// re-acquire it inside Process.
	c.wg.Add(1)
	c.runAsync(func() {
		defer c.wg.Done()
		bg := context.WithoutCancel(ctx)
		if err := c.Process(bg, taskID); err != nil {
			c.log.Error().Err(err).Str("task_id", taskID).Msg("processing failed")
		}
	})
	return task, nil
}

func (c *Controller) submitLocked(ctx context.Context, taskID, prompt string) (tasks.Task, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	now := c.now().UTC()
	task, err := c.store.GetTask(ctx, taskID)
	switch {
	case errors.Is(err, tasks.ErrStoreNotFound):
		task = tasks.Task{
			ID:        taskID,
			Prompt:    prompt,
			Status:    tasks.TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := c.store.SaveTask(ctx, task); err != nil {
			return tasks.Task{}, fmt.Errorf("create task: %w", err)
		}
		c.appendHistory(ctx, taskID, "", tasks.TaskStatusPending, "task created")
		c.metrics.ObserveTaskEvent("submitted")
	case err != nil:
		return tasks.Task{}, fmt.Errorf("load task: %w", err)
	default:
		if task.Status != tasks.TaskStatusPending {
			return tasks.Task{}, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, task.Status)
		}
		task.Prompt = prompt
	}

	if err := c.setStatus(ctx, &task, tasks.TaskStatusProcessing, "prompt accepted"); err != nil {
		return tasks.Task{}, err
	}
	return task, nil
}

// Process runs the full generation pipeline for a task: parse the prompt,
// generate each target gated by the dedup ledger, stage to disk, persist,
// verify, create proposals, and land on pending_approval or failed.
func (c *Controller) Process(ctx context.Context, taskID string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return mapStoreErr(err)
	}
	if task.Status == tasks.TaskStatusPending {
		if err := c.setStatus(ctx, &task, tasks.TaskStatusProcessing, "processing started"); err != nil {
			return err
		}
	}
	if task.Status != tasks.TaskStatusProcessing {
		return fmt.Errorf("%w: cannot process task in status %s", ErrInvalidTransition, task.Status)
	}

	intent, err := c.parser.ParsePrompt(ctx, task.Prompt)
	if err != nil {
		return c.failTask(ctx, &task, fmt.Errorf("parse prompt: %w", err))
	}

	recorded, err := c.generateTargets(ctx, &task, intent)
	if err != nil {
		c.clearLedger(recorded)
		return c.failTask(ctx, &task, err)
	}
	if len(task.StagedFiles) == 0 {
		c.clearLedger(recorded)
		return c.failTask(ctx, &task, errors.New("no files were staged"))
	}

	c.recordBackendContents(&task, intent)

	task.UpdatedAt = c.now().UTC()
	if err := c.store.SaveTask(ctx, task); err != nil {
		c.clearLedger(recorded)
		return c.failTask(ctx, &task, fmt.Errorf("persist staged files: %w", err))
	}
	c.emitTaskUpdate(task, false)

	result, err := c.runVerification(ctx, task, verify.ModeAutomated)
	if err != nil {
		return c.failTask(ctx, &task, fmt.Errorf("run verification: %w", err))
	}
	task.TestResults = &tasks.VerificationResult{
		Success:     result.Success,
		Detail:      result.Detail,
		TestedFiles: result.TestedFileCount,
		At:          c.now().UTC(),
	}
	if !result.Success {
		return c.failTask(ctx, &task, fmt.Errorf("verification failed: %s", result.Detail))
	}

	// Proposals are created while the task is still processing so a store
	// failure can legally land on failed.
	proposals, err := c.createProposals(ctx, &task, intent.BackendChanges)
	if err != nil {
		return c.failTask(ctx, &task, fmt.Errorf("create proposals: %w", err))
	}

	if err := c.setStatus(ctx, &task, tasks.TaskStatusTested, "verification passed"); err != nil {
		return err
	}
	if err := c.setStatus(ctx, &task, tasks.TaskStatusPendingApproval, "awaiting approval"); err != nil {
		return err
	}

	if len(proposals) > 0 {
		c.events.PublishProposal(protocol.BackendProposal{
			Type:      protocol.TypeBackendProposal,
			TaskID:    task.ID,
			Proposals: proposals,
			EventID:   uuid.NewString(),
		})
	}
	return nil
}

// generateTargets runs the generator for every target without a live dedup
// entry, writes each file to the staging tree, and merges results into the
// task's staged list. It returns the ledger keys recorded by this invocation
// so the caller can roll them back on failure.
func (c *Controller) generateTargets(ctx context.Context, task *tasks.Task, intent synth.Intent) ([]string, error) {
	byPath := make(map[string]int, len(task.StagedFiles))
	for i, f := range task.StagedFiles {
		byPath[f.Path] = i
	}

	var recorded []string
	for _, target := range intent.Targets {
		key := tasks.Key(task.ID, target.Path)
		if c.ledger.Has(key) {
			c.log.Debug().Str("task_id", task.ID).Str("target", target.Path).Msg("generation skipped, live dedup entry")
			c.metrics.ObserveTaskEvent("generation_skipped")
			continue
		}
		c.ledger.Record(key)
		recorded = append(recorded, key)

		file, err := c.generator.Generate(ctx, intent, target)
		if err != nil {
			return recorded, fmt.Errorf("generate %s: %w", target.Path, err)
		}
		if err := writeFileUnder(c.stagingDir(task.ID), file.Path, file.Content); err != nil {
			return recorded, fmt.Errorf("stage %s: %w", file.Path, err)
		}

		if i, ok := byPath[file.Path]; ok {
			task.StagedFiles[i] = file
		} else {
			byPath[file.Path] = len(task.StagedFiles)
			task.StagedFiles = append(task.StagedFiles, file)
		}
		c.ledger.Record(key)
	}
	return recorded, nil
}

// recordBackendContents snapshots the current content of every backend
// target plus what it would become after the payload is appended, so an
// operator can diff before approving.
func (c *Controller) recordBackendContents(task *tasks.Task, intent synth.Intent) {
	for _, ch := range intent.BackendChanges {
		if strings.TrimSpace(ch.TargetFile) == "" || strings.TrimSpace(ch.Payload) == "" {
			continue
		}
		original := ""
		if path, err := joinUnder(c.cfg.ApplyRoot, ch.TargetFile); err == nil {
			if data, err := os.ReadFile(path); err == nil {
				original = string(data)
			}
		}
		if task.OriginalContents == nil {
			task.OriginalContents = make(map[string]string)
		}
		if task.NewContents == nil {
			task.NewContents = make(map[string]string)
		}
		task.OriginalContents[ch.TargetFile] = original
		task.NewContents[ch.TargetFile] = original + ch.Payload
	}
}

// createProposals persists a pending proposal per well-formed backend change.
// Malformed entries are skipped and logged, never fatal to the batch.
func (c *Controller) createProposals(ctx context.Context, task *tasks.Task, changes []synth.Change) ([]tasks.Proposal, error) {
	var out []tasks.Proposal
	for _, ch := range changes {
		if strings.TrimSpace(ch.TargetFile) == "" || strings.TrimSpace(ch.Payload) == "" {
			c.log.Warn().Str("task_id", task.ID).Str("target_file", ch.TargetFile).Msg("skipping malformed proposal")
			c.store.AppendLog(ctx, tasks.LogEntry{
				ID:        uuid.NewString(),
				TaskID:    task.ID,
				Level:     "warn",
				Message:   fmt.Sprintf("skipped malformed proposal for %q", ch.TargetFile),
				CreatedAt: c.now().UTC(),
			})
			continue
		}
		p := tasks.Proposal{
			ID:         uuid.NewString(),
			TaskID:     task.ID,
			TargetFile: ch.TargetFile,
			Payload:    ch.Payload,
			Status:     tasks.ProposalStatusPending,
			CreatedAt:  c.now().UTC(),
		}
		if err := c.store.SaveProposal(ctx, p); err != nil {
			return out, fmt.Errorf("save proposal for %s: %w", ch.TargetFile, err)
		}
		task.ProposalIDs = append(task.ProposalIDs, p.ID)
		out = append(out, p)
		c.metrics.ObserveProposalEvent("created")
	}
	return out, nil
}

// ApproveProposal marks one proposal approved. It never changes task status.
func (c *Controller) ApproveProposal(ctx context.Context, proposalID string) (tasks.Proposal, error) {
	return c.setProposalStatus(ctx, proposalID, tasks.ProposalStatusApproved)
}

// DenyProposal marks one proposal denied. It never changes task status.
func (c *Controller) DenyProposal(ctx context.Context, proposalID string) (tasks.Proposal, error) {
	return c.setProposalStatus(ctx, proposalID, tasks.ProposalStatusDenied)
}

func (c *Controller) setProposalStatus(ctx context.Context, proposalID string, status tasks.ProposalStatus) (tasks.Proposal, error) {
	p, err := c.store.UpdateProposalStatus(ctx, proposalID, status)
	if err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			return tasks.Proposal{}, ErrProposalNotFound
		}
		return tasks.Proposal{}, err
	}
	c.metrics.ObserveProposalEvent(string(status))
	c.events.PublishProposal(protocol.BackendProposal{
		Type:     protocol.TypeBackendProposal,
		TaskID:   p.TaskID,
		Proposal: &p,
		EventID:  uuid.NewString(),
	})
	return p, nil
}

// Apply writes every staged file to its real path under the apply root,
// appends every approved proposal's payload to its target artifact, and
// transitions the task to applied. Filesystem sub-steps retry with bounded
// backoff; effects that already landed are not rolled back on later failure.
func (c *Controller) Apply(ctx context.Context, taskID string) (tasks.Task, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, mapStoreErr(err)
	}
	if !tasks.CanTransition(task.Status, tasks.TaskStatusApplied) {
		return tasks.Task{}, fmt.Errorf("%w: cannot apply task in status %s", ErrInvalidTransition, task.Status)
	}
	if len(task.StagedFiles) == 0 {
		return tasks.Task{}, fmt.Errorf("task %s has no staged files to apply", taskID)
	}

	for _, f := range task.StagedFiles {
		file := f
		err := c.retryFS(ctx, func() error {
			return writeFileUnder(c.cfg.ApplyRoot, file.Path, file.Content)
		})
		if err != nil {
			return tasks.Task{}, fmt.Errorf("apply %s: %w", file.Path, err)
		}
	}

	proposals, err := c.store.ListProposalsByTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("list proposals: %w", err)
	}
	for _, p := range proposals {
		if p.Status != tasks.ProposalStatusApproved {
			continue
		}
		proposal := p
		err := c.retryFS(ctx, func() error {
			return appendFileUnder(c.cfg.ApplyRoot, proposal.TargetFile, proposal.Payload)
		})
		if err != nil {
			return tasks.Task{}, fmt.Errorf("apply proposal %s: %w", proposal.ID, err)
		}
		c.metrics.ObserveProposalEvent("applied")
	}

	if err := os.RemoveAll(c.stagingDir(taskID)); err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("staging cleanup failed")
	}

	task.GeneratedFiles = task.StagedFiles
	task.StagedFiles = nil
	if err := c.setStatus(ctx, &task, tasks.TaskStatusApplied, "staged files applied"); err != nil {
		return tasks.Task{}, err
	}
	return task, nil
}

// Rollback discards a task's staged work: on-disk artifacts removed, staged
// files and content maps cleared, all proposals deleted, status denied.
func (c *Controller) Rollback(ctx context.Context, taskID string) (tasks.Task, error) {
	unlock := c.lockTask(taskID)
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, mapStoreErr(err)
	}
	if !tasks.CanTransition(task.Status, tasks.TaskStatusDenied) {
		return tasks.Task{}, fmt.Errorf("%w: cannot roll back task in status %s", ErrInvalidTransition, task.Status)
	}

	if err := os.RemoveAll(c.stagingDir(taskID)); err != nil {
		return tasks.Task{}, fmt.Errorf("remove staged artifacts: %w", err)
	}
	if err := c.store.DeleteProposalsByTask(ctx, taskID); err != nil {
		return tasks.Task{}, fmt.Errorf("delete proposals: %w", err)
	}
	for _, f := range task.StagedFiles {
		c.ledger.Clear(tasks.Key(taskID, f.Path))
	}

	task.StagedFiles = nil
	task.ProposalIDs = nil
	task.OriginalContents = nil
	task.NewContents = nil
	if err := c.setStatus(ctx, &task, tasks.TaskStatusDenied, "rolled back"); err != nil {
		return tasks.Task{}, err
	}
	return task, nil
}

// Delete removes the task's on-disk artifacts, then the task record and all
// dependent proposal and history records as one retried unit.
func (c *Controller) Delete(ctx context.Context, taskID string) error {
	unlock := c.lockTask(taskID)
	defer unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return mapStoreErr(err)
	}

	for _, f := range task.StagedFiles {
		c.ledger.Clear(tasks.Key(taskID, f.Path))
	}
	for _, f := range task.GeneratedFiles {
		c.ledger.Clear(tasks.Key(taskID, f.Path))
	}
	if err := os.RemoveAll(c.stagingDir(taskID)); err != nil {
		return fmt.Errorf("remove staged artifacts: %w", err)
	}
	if err := c.store.DeleteTaskCascade(ctx, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	c.metrics.ObserveTaskEvent("deleted")
	c.events.PublishTaskUpdate(protocol.TaskUpdate{
		Type:      protocol.TypeTaskUpdate,
		TaskID:    taskID,
		Status:    "deleted",
		EventID:   uuid.NewString(),
		Timestamp: c.now().UTC(),
	}, true)

	// The lock entry stays: another goroutine may already be blocked on this
	// mutex, and removing it would let a later caller mint a second one. The
	// map is bounded by task count.
	return nil
}

// Verify runs an on-demand verification pass. Headed runs open a visible
// browser. The result is returned to the caller only; task status and stored
// test results are never touched here.
func (c *Controller) Verify(ctx context.Context, taskID string, headed bool) (verify.Result, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return verify.Result{}, mapStoreErr(err)
	}
	if len(task.StagedFiles) == 0 {
		task.StagedFiles = task.GeneratedFiles
	}
	mode := verify.ModeAutomated
	if headed {
		mode = verify.ModeManual
	}
	return c.runVerification(ctx, task, mode)
}

// GetTask returns a task by id.
func (c *Controller) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return tasks.Task{}, mapStoreErr(err)
	}
	return task, nil
}

// ListTasks returns up to limit tasks, most recent first.
func (c *Controller) ListTasks(ctx context.Context, limit int) ([]tasks.Task, error) {
	return c.store.ListTasks(ctx, limit)
}

// ListProposals returns a task's proposals.
func (c *Controller) ListProposals(ctx context.Context, taskID string) ([]tasks.Proposal, error) {
	return c.store.ListProposalsByTask(ctx, taskID)
}

// ListHistory returns a task's transition history.
func (c *Controller) ListHistory(ctx context.Context, taskID string) ([]tasks.HistoryEntry, error) {
	return c.store.ListHistoryByTask(ctx, taskID)
}

func (c *Controller) runVerification(ctx context.Context, task tasks.Task, mode verify.Mode) (verify.Result, error) {
	started := c.now()
	result, err := c.runner.Verify(ctx, task, mode)
	c.metrics.ObserveVerifyLatency(c.now().Sub(started))
	return result, err
}

// failTask is the single path to the failed status: record the error,
// persist best-effort, and emit the final event.
func (c *Controller) failTask(ctx context.Context, task *tasks.Task, cause error) error {
	task.Error = cause.Error()
	if err := c.setStatus(ctx, task, tasks.TaskStatusFailed, cause.Error()); err != nil {
		c.log.Error().Err(err).Str("task_id", task.ID).Msg("failed-status write lost")
	}
	return cause
}

// setStatus performs one lifecycle transition: graph check, persist, history
// entry, metric, final event.
func (c *Controller) setStatus(ctx context.Context, task *tasks.Task, to tasks.TaskStatus, detail string) error {
	from := task.Status
	if !tasks.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	task.Status = to
	task.UpdatedAt = c.now().UTC()
	if err := c.store.SaveTask(ctx, *task); err != nil {
		task.Status = from
		return fmt.Errorf("persist status %s: %w", to, err)
	}
	c.appendHistory(ctx, task.ID, from, to, detail)
	c.metrics.ObserveTaskEvent(string(to))
	c.emitTaskUpdate(*task, true)
	return nil
}

func (c *Controller) appendHistory(ctx context.Context, taskID string, from, to tasks.TaskStatus, detail string) {
	entry := tasks.HistoryEntry{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.store.AppendHistory(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("history write dropped")
	}
}

func (c *Controller) emitTaskUpdate(task tasks.Task, final bool) {
	c.events.PublishTaskUpdate(protocol.TaskUpdate{
		Type:        protocol.TypeTaskUpdate,
		TaskID:      task.ID,
		Status:      string(task.Status),
		StagedFiles: task.StagedFiles,
		TestResults: task.TestResults,
		Proposals:   task.ProposalIDs,
		Error:       task.Error,
		EventID:     uuid.NewString(),
		Timestamp:   c.now().UTC(),
	}, final)
}

func (c *Controller) retryFS(ctx context.Context, op func() error) error {
	policy := reliability.Policy{
		MaxAttempts: c.cfg.ApplyMaxAttempts,
		Backoff:     reliability.LinearBackoff(c.cfg.RetryBaseDelay, 10*time.Second),
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnRetry: func(attempt int, err error) {
			c.log.Warn().Int("attempt", attempt+1).Err(err).Msg("filesystem write retrying")
			c.metrics.ObserveRetry("apply_fs")
		},
	}
	return reliability.Retry(ctx, policy, func(context.Context) error { return op() })
}

func (c *Controller) lockTask(taskID string) func() {
	c.mu.Lock()
	l, ok := c.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[taskID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *Controller) clearLedger(keys []string) {
	for _, key := range keys {
		c.ledger.Clear(key)
	}
}

func (c *Controller) stagingDir(taskID string) string {
	return filepath.Join(c.cfg.StagingRoot, taskID)
}

func mapStoreErr(err error) error {
	if errors.Is(err, tasks.ErrStoreNotFound) {
		return ErrTaskNotFound
	}
	return err
}

// joinUnder resolves rel below root, rejecting absolute paths and traversal.
func joinUnder(root, rel string) (string, error) {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	return filepath.Join(root, rel), nil
}

func writeFileUnder(root, rel, content string) error {
	path, err := joinUnder(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func appendFileUnder(root, rel, payload string) error {
	path, err := joinUnder(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(payload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type noopSink struct{}

func (noopSink) PublishTaskUpdate(protocol.TaskUpdate, bool) {}
func (noopSink) PublishProposal(protocol.BackendProposal)    {}
