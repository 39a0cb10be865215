package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakyStore struct {
	*MemoryStore
	saveFailures   int
	deleteFailures int
	dropStaged     bool
	saveCalls      int
}

func (s *flakyStore) SaveTask(ctx context.Context, task Task) error {
	s.saveCalls++
	if s.saveFailures > 0 {
		s.saveFailures--
		return errors.New("write contention")
	}
	if s.dropStaged {
		trimmed := task.Clone()
		if len(trimmed.StagedFiles) > 0 {
			trimmed.StagedFiles = trimmed.StagedFiles[:len(trimmed.StagedFiles)-1]
		}
		s.dropStaged = false
		return s.MemoryStore.SaveTask(ctx, trimmed)
	}
	return s.MemoryStore.SaveTask(ctx, task)
}

func (s *flakyStore) DeleteTask(ctx context.Context, taskID string) error {
	if s.deleteFailures > 0 {
		s.deleteFailures--
		return errors.New("delete timeout")
	}
	return s.MemoryStore.DeleteTask(ctx, taskID)
}

func newTestPersistence(store Store) *Persistence {
	return NewPersistence(store, PersistenceConfig{
		BaseDelay:         time.Millisecond,
		SaveMaxAttempts:   3,
		DeleteMaxAttempts: 15,
	}, zerolog.Nop())
}

func sampleTask(id string) Task {
	now := time.Now().UTC()
	return Task{
		ID:     id,
		Prompt: "Build CRM system",
		Status: TaskStatusProcessing,
		StagedFiles: []StagedFile{
			{Path: "crm/dashboard.js", Content: "// dashboard"},
			{Path: "crm/contacts.js", Content: "// contacts"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPersistenceSaveSucceedsAfterTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), saveFailures: 2}
	p := newTestPersistence(store)

	task := sampleTask("t-1")
	if err := p.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	got, err := p.GetTask(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if len(got.StagedFiles) != 2 {
		t.Fatalf("staged files = %d, want 2 (no duplicates after retries)", len(got.StagedFiles))
	}
	if store.saveCalls != 3 {
		t.Fatalf("save calls = %d, want 3", store.saveCalls)
	}
}

func TestPersistenceSaveExhaustsRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), saveFailures: 10}
	p := newTestPersistence(store)

	if err := p.SaveTask(context.Background(), sampleTask("t-2")); err == nil {
		t.Fatalf("SaveTask() error = nil, want exhaustion")
	}
	if store.saveCalls != 3 {
		t.Fatalf("save calls = %d, want 3 (bounded)", store.saveCalls)
	}
}

func TestPersistenceReadbackMismatchRetries(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), dropStaged: true}
	p := newTestPersistence(store)

	if err := p.SaveTask(context.Background(), sampleTask("t-3")); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	got, err := p.GetTask(context.Background(), "t-3")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if len(got.StagedFiles) != 2 {
		t.Fatalf("staged files = %d, want 2 after read-back retry", len(got.StagedFiles))
	}
	if store.saveCalls != 2 {
		t.Fatalf("save calls = %d, want 2", store.saveCalls)
	}
}

func TestPersistenceRejectsNonTextContentWithoutRetry(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	p := newTestPersistence(store)

	task := sampleTask("t-4")
	task.NewContents = map[string]string{"bad.bin": "has\x00nul"}
	err := p.SaveTask(context.Background(), task)
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("SaveTask() error = %v, want ErrInvalidRecord", err)
	}
	if store.saveCalls != 0 {
		t.Fatalf("save calls = %d, want 0 (validation fails fast)", store.saveCalls)
	}
}

func TestPersistenceDeleteCascadeRetriesHarderThanSave(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), deleteFailures: 6}
	p := newTestPersistence(store)

	task := sampleTask("t-5")
	if err := p.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	if err := p.SaveProposal(context.Background(), Proposal{
		ID: "p-1", TaskID: "t-5", TargetFile: "backend/crypto.js",
		Payload: "// change", Status: ProposalStatusPending, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveProposal() error = %v", err)
	}

	if err := p.DeleteTaskCascade(context.Background(), "t-5"); err != nil {
		t.Fatalf("DeleteTaskCascade() error = %v", err)
	}
	if _, err := p.GetTask(context.Background(), "t-5"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("GetTask() after delete error = %v, want ErrStoreNotFound", err)
	}
	if _, err := p.GetProposal(context.Background(), "p-1"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("GetProposal() after delete error = %v, want ErrStoreNotFound", err)
	}
}

func TestPersistenceDeleteToleratesAlreadyDeleted(t *testing.T) {
	p := newTestPersistence(NewMemoryStore())
	if err := p.DeleteTaskCascade(context.Background(), "never-existed"); err != nil {
		t.Fatalf("DeleteTaskCascade() on missing task error = %v, want nil", err)
	}
}
