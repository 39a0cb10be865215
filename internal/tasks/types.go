package tasks

import "time"

type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusProcessing      TaskStatus = "processing"
	TaskStatusTested          TaskStatus = "tested"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusApplied         TaskStatus = "applied"
	TaskStatusDenied          TaskStatus = "denied"
)

// transitions is the lifecycle graph. Deletion is not a status: a task is
// deletable from any state and simply ceases to exist.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:         {TaskStatusProcessing},
	TaskStatusProcessing:      {TaskStatusTested, TaskStatusFailed},
	TaskStatusTested:          {TaskStatusPendingApproval},
	TaskStatusPendingApproval: {TaskStatusApplied, TaskStatusDenied},
}

// CanTransition reports whether from -> to follows a lifecycle edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusApplied, TaskStatusDenied:
		return true
	default:
		return false
	}
}

type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusDenied   ProposalStatus = "denied"
)

// StagedFile is a generated {path, content} pair held against a task and not
// yet written to its real location.
type StagedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type VerificationResult struct {
	Success     bool      `json:"success"`
	Detail      string    `json:"detail,omitempty"`
	TestedFiles int       `json:"tested_files"`
	At          time.Time `json:"at"`
}

type Task struct {
	ID               string              `json:"id"`
	Prompt           string              `json:"prompt"`
	Status           TaskStatus          `json:"status"`
	StagedFiles      []StagedFile        `json:"staged_files"`
	GeneratedFiles   []StagedFile        `json:"generated_files,omitempty"`
	OriginalContents map[string]string   `json:"original_contents,omitempty"`
	NewContents      map[string]string   `json:"new_contents,omitempty"`
	TestResults      *VerificationResult `json:"test_results,omitempty"`
	ProposalIDs      []string            `json:"proposal_ids,omitempty"`
	Error            string              `json:"error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Proposal is a pending backend-affecting change awaiting explicit human
// approval before its payload is appended to the target artifact.
type Proposal struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	TargetFile string         `json:"target_file"`
	Payload    string         `json:"payload"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// HistoryEntry records one status transition of a task.
type HistoryEntry struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	FromStatus TaskStatus `json:"from_status"`
	ToStatus   TaskStatus `json:"to_status"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LogEntry is a best-effort persisted pipeline log line.
type LogEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (t Task) Clone() Task {
	out := t
	if t.StagedFiles != nil {
		out.StagedFiles = make([]StagedFile, len(t.StagedFiles))
		copy(out.StagedFiles, t.StagedFiles)
	}
	if t.GeneratedFiles != nil {
		out.GeneratedFiles = make([]StagedFile, len(t.GeneratedFiles))
		copy(out.GeneratedFiles, t.GeneratedFiles)
	}
	if t.OriginalContents != nil {
		out.OriginalContents = make(map[string]string, len(t.OriginalContents))
		for k, v := range t.OriginalContents {
			out.OriginalContents[k] = v
		}
	}
	if t.NewContents != nil {
		out.NewContents = make(map[string]string, len(t.NewContents))
		for k, v := range t.NewContents {
			out.NewContents[k] = v
		}
	}
	if t.ProposalIDs != nil {
		out.ProposalIDs = append([]string(nil), t.ProposalIDs...)
	}
	if t.TestResults != nil {
		tr := *t.TestResults
		out.TestResults = &tr
	}
	return out
}
