package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aristath/trustgate/internal/orchestrator"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

type submitGoalRequest struct {
	Goal     string            `json:"natural_language_goal"`
	Priority int               `json:"priority"`
	Simulate bool              `json:"simulate"`
	Sandbox  scheduler.Sandbox `json:"sandbox"`
}

type submitGoalResponse struct {
	JobID string `json:"jobId"`
}

// submitGoal handles POST /action/submit_goal
func (s *Server) submitGoal(w http.ResponseWriter, r *http.Request) {
	var req submitGoalRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.orch.SubmitGoal(r.Context(), orchestrator.GoalRequest{
		Goal:     req.Goal,
		Priority: req.Priority,
		Simulate: req.Simulate,
		Sandbox:  req.Sandbox,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitGoalResponse{JobID: id})
}

// listJobs handles GET /api/orch/jobs
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.ListJobs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// getJob handles GET /api/orchestrator/jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// cancelJob handles POST /api/orchestrator/cancel/{jobId}
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.CancelJob(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type interactRequest struct {
	Response string `json:"response"`
}

type decisionResponse struct {
	PromptID string         `json:"promptId"`
	Decision trust.Decision `json:"decision"`
	Job      *scheduler.Job `json:"job,omitempty"`
}

// interact handles POST /api/orchestrator/interact/{promptId}
func (s *Server) interact(w http.ResponseWriter, r *http.Request) {
	var req interactRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.resolve(w, r, mux.Vars(r)["promptId"], req.Response)
}

type decideRequest struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

// decide handles POST /api/trust/decide
func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		s.writeError(w, r, fmt.Errorf("%w: id is required", scheduler.ErrValidation))
		return
	}
	s.resolve(w, r, req.ID, req.Decision)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, promptID, answer string) {
	decision, err := trust.ParseDecision(answer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.orch.ResumeJob(r.Context(), promptID, decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{PromptID: promptID, Decision: decision, Job: job})
}

type pausedResponse struct {
	Paused bool `json:"paused"`
}

// trustStatus handles GET /api/trust/status
func (s *Server) trustStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pausedResponse{Paused: s.orch.IsPaused()})
}

type pendingResponse struct {
	Prompts []trust.Prompt `json:"prompts"`
	Paused  bool           `json:"paused"`
}

// pendingPrompts handles GET /api/trust/pending
func (s *Server) pendingPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pendingResponse{
		Prompts: s.orch.PendingPrompts(),
		Paused:  s.orch.IsPaused(),
	})
}

type killRequest struct {
	Paused *bool `json:"paused"`
}

// kill handles POST /api/trust/kill
func (s *Server) kill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Paused == nil {
		s.writeError(w, r, fmt.Errorf("%w: paused is required", scheduler.ErrValidation))
		return
	}
	s.orch.SetPaused(*req.Paused)
	writeJSON(w, http.StatusOK, pausedResponse{Paused: s.orch.IsPaused()})
}

// listTasks handles GET /api/ghost/tasks
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.ListTasks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// statistics handles GET /api/ghost/statistics
func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Statistics(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type submitTaskRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params"`
	Priority    int               `json:"priority"`
	MaxRetries  *int              `json:"maxRetries"`
	Simulate    bool              `json:"simulate"`
	Sandbox     scheduler.Sandbox `json:"sandbox"`
	Resources   []string          `json:"resources"`
}

// submitTask handles POST /api/ghost/{task-type}
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	kind, err := scheduler.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", scheduler.ErrNotFound, err))
		return
	}
	var req submitTaskRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	task, err := s.orch.SubmitTask(r.Context(), orchestrator.TaskRequest{
		Kind:        kind,
		Name:        req.Name,
		Description: req.Description,
		Params:      req.Params,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
		Simulate:    req.Simulate,
		Sandbox:     req.Sandbox,
		Resources:   req.Resources,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// controlTask handles POST /api/ghost/task/{id}/{cancel|pause|resume}
func (s *Server) controlTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		task *scheduler.Task
		err  error
	)
	switch vars["action"] {
	case "cancel":
		task, err = s.orch.CancelTask(r.Context(), vars["id"])
	case "pause":
		task, err = s.orch.PauseTask(r.Context(), vars["id"])
	case "resume":
		task, err = s.orch.ResumeTask(r.Context(), vars["id"])
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
