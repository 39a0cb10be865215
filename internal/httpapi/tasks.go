package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

type submitTaskRequest struct {
	TaskID string `json:"taskId"`
	Prompt string `json:"prompt"`
}

type verifyTaskRequest struct {
	Headed bool `json:"headed"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	task, err := s.ctrl.Submit(r.Context(), strings.TrimSpace(req.TaskID), req.Prompt)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	list, err := s.ctrl.ListTasks(r.Context(), limit)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.ctrl.GetTask(r.Context(), taskID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.Delete(r.Context(), taskID); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, map[string]any{"taskId": taskID, "deleted": true})
}

func (s *Server) handleVerifyTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	var req verifyTaskRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.ctrl.Verify(r.Context(), taskID, req.Headed)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, result)
}

func (s *Server) handleApplyTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.ctrl.Apply(r.Context(), taskID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, task)
}

func (s *Server) handleRollbackTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	task, err := s.ctrl.Rollback(r.Context(), taskID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, task)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	proposals, err := s.ctrl.ListProposals(r.Context(), taskID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, map[string]any{"taskId": taskID, "proposals": proposals})
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	history, err := s.ctrl.ListHistory(r.Context(), taskID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, map[string]any{"taskId": taskID, "history": history})
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	s.handleProposalDecision(w, r, true)
}

func (s *Server) handleDenyProposal(w http.ResponseWriter, r *http.Request) {
	s.handleProposalDecision(w, r, false)
}

func (s *Server) handleProposalDecision(w http.ResponseWriter, r *http.Request, approve bool) {
	proposalID := strings.TrimSpace(chi.URLParam(r, "id"))
	if proposalID == "" {
		respondError(w, http.StatusBadRequest, "missing proposal id")
		return
	}

	var (
		err      error
		proposal any
	)
	if approve {
		proposal, err = s.ctrl.ApproveProposal(r.Context(), proposalID)
	} else {
		proposal, err = s.ctrl.DenyProposal(r.Context(), proposalID)
	}
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondResult(w, http.StatusOK, proposal)
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "missing task id")
		return "", false
	}
	return taskID, true
}
