package tasks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]Task
	proposals map[string]Proposal
	history   map[string][]HistoryEntry
	logs      []LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]Task),
		proposals: make(map[string]Proposal),
		history:   make(map[string][]HistoryEntry),
	}
}

func (s *MemoryStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	task = task.Clone()
	task.ProposalIDs = s.proposalIDsLocked(taskID)
	return task, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		t := task.Clone()
		t.ProposalIDs = s.proposalIDsLocked(t.ID)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	return out[:limit], nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.tasks, taskID)
	// Mirror the Postgres ON DELETE CASCADE.
	for id, p := range s.proposals {
		if p.TaskID == taskID {
			delete(s.proposals, id)
		}
	}
	delete(s.history, taskID)
	return nil
}

func (s *MemoryStore) SaveProposal(_ context.Context, p Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = p
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrStoreNotFound
	}
	return p, nil
}

func (s *MemoryStore) ListProposalsByTask(_ context.Context, taskID string) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Proposal, 0, 4)
	for _, p := range s.proposals {
		if p.TaskID == taskID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateProposalStatus(_ context.Context, proposalID string, status ProposalStatus) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrStoreNotFound
	}
	p.Status = status
	s.proposals[proposalID] = p
	return p, nil
}

func (s *MemoryStore) DeleteProposalsByTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.proposals {
		if p.TaskID == taskID {
			delete(s.proposals, id)
		}
	}
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[e.TaskID] = append(s.history[e.TaskID], e)
	return nil
}

func (s *MemoryStore) ListHistoryByTask(_ context.Context, taskID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HistoryEntry, len(s.history[taskID]))
	copy(out, s.history[taskID])
	return out, nil
}

func (s *MemoryStore) DeleteHistoryByTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, taskID)
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, e)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) proposalIDsLocked(taskID string) []string {
	ids := make([]Proposal, 0, 4)
	for _, p := range s.proposals {
		if p.TaskID == taskID {
			ids = append(ids, p)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].CreatedAt.Equal(ids[j].CreatedAt) {
			return ids[i].ID < ids[j].ID
		}
		return ids[i].CreatedAt.Before(ids[j].CreatedAt)
	})
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, p := range ids {
		out[i] = p.ID
	}
	return out
}
