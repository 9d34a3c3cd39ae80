package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"edgeai/internal/domain/agent"
	"edgeai/internal/domain/task"
	"edgeai/internal/logging"
	"edgeai/internal/registry"
)

const maxTaskBodyBytes = 1 << 20

type submitTaskRequest struct {
	Role     string            `json:"role"`
	Input    string            `json:"input"`
	Priority int               `json:"priority"`
	Context  map[string]string `json:"context,omitempty"`
}

type submitTaskResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTaskBodyBytes)
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, "invalid_argument", "invalid request body: "+err.Error())
		return
	}
	role, err := agent.ParseRole(req.Role)
	if err != nil {
		writeProblem(c, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	taskID, err := s.deps.Tasks.Submit(c.Request.Context(), task.Task{
		Role:     role,
		Input:    req.Input,
		Priority: req.Priority,
		Context:  req.Context,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Location", "/api/tasks/"+taskID)
	c.JSON(http.StatusAccepted, submitTaskResponse{TaskID: taskID, Status: task.StatusQueued})
}

type listTasksResponse struct {
	Tasks []task.Task `json:"tasks"`
	Total int         `json:"total"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	all := s.deps.Tasks.List()
	filter := task.Status(strings.TrimSpace(c.Query("status")))
	role := strings.TrimSpace(c.Query("role"))
	out := make([]task.Task, 0, len(all))
	for _, t := range all {
		if filter != "" && t.Status != filter {
			continue
		}
		if role != "" && !strings.EqualFold(t.Role.String(), role) {
			continue
		}
		out = append(out, t)
	}
	c.JSON(http.StatusOK, listTasksResponse{Tasks: out, Total: len(out)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.deps.Tasks.Status(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if err := s.deps.Tasks.Cancel(taskID); err != nil {
		s.writeError(c, err)
		return
	}
	t, err := s.deps.Tasks.Status(taskID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

type agentView struct {
	ID          string      `json:"id"`
	Role        agent.Role  `json:"role"`
	Model       string      `json:"model"`
	Priority    int         `json:"priority"`
	State       agent.State `json:"state"`
	CurrentTask string      `json:"current_task,omitempty"`
	HandoffTo   string      `json:"handoff_to,omitempty"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents := s.deps.Tasks.Agents()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		v := agentView{
			ID:          a.ID,
			Role:        a.Profile.Role,
			Model:       a.Profile.Model,
			Priority:    a.Profile.Priority,
			State:       a.State,
			CurrentTask: a.CurrentTask,
		}
		if a.Profile.HandoffTo.Valid() {
			v.HandoffTo = a.Profile.HandoffTo.String()
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

type modelsResponse struct {
	Usage  registry.Usage    `json:"usage"`
	Models []registry.Handle `json:"models"`
}

func (s *Server) handleListModels(c *gin.Context) {
	if s.deps.Models == nil {
		writeProblem(c, http.StatusServiceUnavailable, "unavailable", "model registry not configured")
		return
	}
	c.JSON(http.StatusOK, modelsResponse{Usage: s.deps.Models.Usage(), Models: s.deps.Models.Snapshot()})
}

func (s *Server) handleScheduler(c *gin.Context) {
	if s.deps.Scheduler == nil {
		writeProblem(c, http.StatusServiceUnavailable, "unavailable", "scheduler not configured")
		return
	}
	c.JSON(http.StatusOK, s.deps.Scheduler.Stats())
}

type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	resp := healthResponse{
		Status:  HealthStatusReady,
		Version: s.deps.Version,
		Uptime:  time.Since(s.startedAt).Truncate(time.Second).String(),
	}
	for _, probe := range s.deps.Probes {
		h := probe.Check(ctx)
		if h.Status == HealthStatusError {
			resp.Status = HealthStatusError
		} else if h.Status == HealthStatusDegraded && resp.Status == HealthStatusReady {
			resp.Status = HealthStatusDegraded
		}
		resp.Components = append(resp.Components, h)
	}
	status := http.StatusOK
	if resp.Status == HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

const maxFrontendLogBytes = 64 << 10

type frontendLogRequest struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Source  string         `json:"source,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// handleFrontendLog records client-side log lines in the server log.
func (s *Server) handleFrontendLog(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrontendLogBytes)
	var req frontendLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProblem(c, http.StatusBadRequest, "invalid_argument", "invalid log entry: "+err.Error())
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeProblem(c, http.StatusBadRequest, "invalid_argument", "message is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "web"
	}
	line := fmt.Sprintf("frontend[%s]: %s", source, msg)
	if len(req.Fields) > 0 {
		line += fmt.Sprintf(" %v", req.Fields)
	}

	logger := logging.FromContext(c.Request.Context(), s.logger)
	switch strings.ToLower(req.Level) {
	case "debug":
		logger.Debug("%s", line)
	case "warn", "warning":
		logger.Warn("%s", line)
	case "error":
		logger.Error("%s", line)
	default:
		logger.Info("%s", line)
	}
	c.Status(http.StatusNoContent)
}
