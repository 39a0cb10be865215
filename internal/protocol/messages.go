package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edoblanco/codesmith/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeTaskUpdate      MessageType = "taskUpdate"
	TypeBackendProposal MessageType = "backendProposal"
	TypeFeedback        MessageType = "feedback"
	TypeClientError     MessageType = "clientError"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TaskUpdate carries a task's state to listeners. EventID is the client-side
// dedup key.
type TaskUpdate struct {
	Type        MessageType               `json:"type"`
	TaskID      string                    `json:"taskId"`
	Status      string                    `json:"status"`
	StagedFiles []tasks.StagedFile        `json:"stagedFiles,omitempty"`
	TestResults *tasks.VerificationResult `json:"testResults,omitempty"`
	Proposals   []string                  `json:"proposals,omitempty"`
	Error       string                    `json:"error,omitempty"`
	EventID     string                    `json:"eventId"`
	Timestamp   time.Time                 `json:"timestamp"`
}

// BackendProposal announces one or more pending backend-affecting changes.
type BackendProposal struct {
	Type      MessageType      `json:"type"`
	TaskID    string           `json:"taskId"`
	Proposal  *tasks.Proposal  `json:"proposal,omitempty"`
	Proposals []tasks.Proposal `json:"proposals,omitempty"`
	EventID   string           `json:"eventId"`
}

// Feedback is a client-originated free-form note shown to operators.
type Feedback struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Color     string      `json:"color,omitempty"`
	EventID   string      `json:"eventId"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientError is a client-originated error report.
type ClientError struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Context string      `json:"context,omitempty"`
	Details string      `json:"details,omitempty"`
	EventID string      `json:"eventId"`
}

// ParseClientMessage decodes an inbound client message. Only feedback and
// clientError originate from clients; everything else is rejected.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeFeedback:
		var msg Feedback
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, errors.New("invalid feedback: message is required")
		}
		return msg, nil
	case TypeClientError:
		var msg ClientError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, errors.New("invalid clientError: message is required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// EventIDOf extracts the idempotency key from any wire message.
func EventIDOf(msg any) (string, bool) {
	switch m := msg.(type) {
	case TaskUpdate:
		return m.EventID, true
	case *TaskUpdate:
		return m.EventID, true
	case BackendProposal:
		return m.EventID, true
	case *BackendProposal:
		return m.EventID, true
	case Feedback:
		return m.EventID, true
	case ClientError:
		return m.EventID, true
	default:
		return "", false
	}
}

// TypeOf reports the message type of any wire message.
func TypeOf(msg any) (MessageType, bool) {
	switch m := msg.(type) {
	case TaskUpdate:
		return m.Type, true
	case *TaskUpdate:
		return m.Type, true
	case BackendProposal:
		return m.Type, true
	case *BackendProposal:
		return m.Type, true
	case Feedback:
		return m.Type, true
	case ClientError:
		return m.Type, true
	default:
		return "", false
	}
}
