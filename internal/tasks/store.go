package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("record not found in store")

// Store is the document-store contract for the four record kinds the
// pipeline persists: Task, Proposal, HistoryEntry, LogEntry.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, limit int) ([]Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	SaveProposal(ctx context.Context, proposal Proposal) error
	GetProposal(ctx context.Context, proposalID string) (Proposal, error)
	ListProposalsByTask(ctx context.Context, taskID string) ([]Proposal, error)
	UpdateProposalStatus(ctx context.Context, proposalID string, status ProposalStatus) (Proposal, error)
	DeleteProposalsByTask(ctx context.Context, taskID string) error

	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListHistoryByTask(ctx context.Context, taskID string) ([]HistoryEntry, error)
	DeleteHistoryByTask(ctx context.Context, taskID string) error

	AppendLog(ctx context.Context, entry LogEntry) error

	Close() error
}
