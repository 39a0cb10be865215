package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/reliability"
)

var (
	ErrInvalidRecord = errors.New("record contains non-text content")

	errReadbackMismatch = errors.New("read-back cardinality mismatch")
)

// PersistenceConfig tunes the retry discipline around store writes.
// Deletes retry harder than saves because a partially deleted task is
// self-healing on the next attempt.
type PersistenceConfig struct {
	BaseDelay         time.Duration
	SaveMaxAttempts   int
	DeleteMaxAttempts int
}

// Persistence wraps a Store with bounded retry, read-back verification for
// staged-file batches, and pre-write text validation.
type Persistence struct {
	store Store
	cfg   PersistenceConfig
	log   zerolog.Logger

	// onRetry is invoked once per retry wait, keyed by operation.
	onRetry func(operation string)
}

func NewPersistence(store Store, cfg PersistenceConfig, log zerolog.Logger) *Persistence {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.SaveMaxAttempts <= 0 {
		cfg.SaveMaxAttempts = 3
	}
	if cfg.DeleteMaxAttempts < cfg.SaveMaxAttempts {
		cfg.DeleteMaxAttempts = 15
	}
	return &Persistence{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "persistence").Logger(),
	}
}

// SetRetryObserver registers a hook called once per retry, for metrics.
func (p *Persistence) SetRetryObserver(fn func(operation string)) {
	p.onRetry = fn
}

func (p *Persistence) Store() Store { return p.store }

// SaveTask validates, writes, and reads the task back to assert the staged
// file count survived serialization. A mismatch counts as a write failure
// and is retried under the same policy.
func (p *Persistence) SaveTask(ctx context.Context, task Task) error {
	if err := validateTextMap(task.OriginalContents); err != nil {
		return fmt.Errorf("original contents: %w", err)
	}
	if err := validateTextMap(task.NewContents); err != nil {
		return fmt.Errorf("new contents: %w", err)
	}
	for _, f := range task.StagedFiles {
		if !isPlainText(f.Path) || !isPlainText(f.Content) {
			return fmt.Errorf("staged file %q: %w", f.Path, ErrInvalidRecord)
		}
	}

	return p.retry(ctx, "save_task", p.savePolicy(), func(ctx context.Context) error {
		if err := p.store.SaveTask(ctx, task); err != nil {
			return err
		}
		persisted, err := p.store.GetTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("read-back: %w", err)
		}
		if len(persisted.StagedFiles) != len(task.StagedFiles) {
			return fmt.Errorf("%w: staged files persisted=%d want=%d",
				errReadbackMismatch, len(persisted.StagedFiles), len(task.StagedFiles))
		}
		if len(persisted.GeneratedFiles) != len(task.GeneratedFiles) {
			return fmt.Errorf("%w: generated files persisted=%d want=%d",
				errReadbackMismatch, len(persisted.GeneratedFiles), len(task.GeneratedFiles))
		}
		return nil
	})
}

func (p *Persistence) GetTask(ctx context.Context, taskID string) (Task, error) {
	return p.store.GetTask(ctx, taskID)
}

func (p *Persistence) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	return p.store.ListTasks(ctx, limit)
}

// DeleteTaskCascade removes the task record and all dependent proposal and
// history records as one retried unit. Partial deletion is an acceptable
// intermediate state; the next attempt finishes the job.
func (p *Persistence) DeleteTaskCascade(ctx context.Context, taskID string) error {
	return p.retry(ctx, "delete_task", p.deletePolicy(), func(ctx context.Context) error {
		if err := p.store.DeleteProposalsByTask(ctx, taskID); err != nil {
			return err
		}
		if err := p.store.DeleteHistoryByTask(ctx, taskID); err != nil {
			return err
		}
		if err := p.store.DeleteTask(ctx, taskID); err != nil {
			if errors.Is(err, ErrStoreNotFound) {
				// A prior attempt already removed the record.
				return nil
			}
			return err
		}
		return nil
	})
}

func (p *Persistence) SaveProposal(ctx context.Context, proposal Proposal) error {
	if !isPlainText(proposal.TargetFile) || !isPlainText(proposal.Payload) {
		return fmt.Errorf("proposal %q: %w", proposal.ID, ErrInvalidRecord)
	}
	return p.retry(ctx, "save_proposal", p.savePolicy(), func(ctx context.Context) error {
		return p.store.SaveProposal(ctx, proposal)
	})
}

func (p *Persistence) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	return p.store.GetProposal(ctx, proposalID)
}

func (p *Persistence) ListProposalsByTask(ctx context.Context, taskID string) ([]Proposal, error) {
	return p.store.ListProposalsByTask(ctx, taskID)
}

func (p *Persistence) UpdateProposalStatus(ctx context.Context, proposalID string, status ProposalStatus) (Proposal, error) {
	var out Proposal
	err := p.retry(ctx, "update_proposal", p.savePolicy(), func(ctx context.Context) error {
		var err error
		out, err = p.store.UpdateProposalStatus(ctx, proposalID, status)
		return err
	})
	return out, err
}

func (p *Persistence) DeleteProposalsByTask(ctx context.Context, taskID string) error {
	return p.retry(ctx, "delete_proposals", p.deletePolicy(), func(ctx context.Context) error {
		return p.store.DeleteProposalsByTask(ctx, taskID)
	})
}

func (p *Persistence) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	return p.retry(ctx, "append_history", p.savePolicy(), func(ctx context.Context) error {
		return p.store.AppendHistory(ctx, entry)
	})
}

func (p *Persistence) ListHistoryByTask(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	return p.store.ListHistoryByTask(ctx, taskID)
}

// AppendLog is best-effort: a failed log write is itself logged and dropped.
func (p *Persistence) AppendLog(ctx context.Context, entry LogEntry) {
	if err := p.store.AppendLog(ctx, entry); err != nil {
		p.log.Warn().Err(err).Str("task_id", entry.TaskID).Msg("activity log write dropped")
	}
}

func (p *Persistence) savePolicy() reliability.Policy {
	return reliability.Policy{
		MaxAttempts: p.cfg.SaveMaxAttempts,
		Backoff:     reliability.LinearBackoff(p.cfg.BaseDelay, 10*time.Second),
		Retryable:   isRetryableStoreError,
	}
}

func (p *Persistence) deletePolicy() reliability.Policy {
	return reliability.Policy{
		MaxAttempts: p.cfg.DeleteMaxAttempts,
		Backoff:     reliability.ExponentialBackoff(p.cfg.BaseDelay, 30*time.Second),
		Retryable:   isRetryableStoreError,
	}
}

func (p *Persistence) retry(ctx context.Context, operation string, policy reliability.Policy, op func(ctx context.Context) error) error {
	policy.OnRetry = func(attempt int, err error) {
		p.log.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("store write retrying")
		if p.onRetry != nil {
			p.onRetry(operation)
		}
	}
	return reliability.Retry(ctx, policy, op)
}

func isRetryableStoreError(err error) bool {
	if errors.Is(err, ErrStoreNotFound) || errors.Is(err, ErrInvalidRecord) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func validateTextMap(m map[string]string) error {
	for k, v := range m {
		if !isPlainText(k) || !isPlainText(v) {
			return fmt.Errorf("key %q: %w", k, ErrInvalidRecord)
		}
	}
	return nil
}

// isPlainText rejects content the store's text columns cannot hold.
func isPlainText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	return !strings.ContainsRune(s, '\x00')
}
