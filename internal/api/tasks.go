package api

import (
	"time"

	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority,omitempty"`
	AgentID     *string        `json:"agentId,omitempty"`
	ProjectID   *string        `json:"projectId,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Validate checks the request. Priority defaults to medium.
func (r *CreateTaskRequest) Validate() error {
	if r.Priority == "" {
		r.Priority = constants.TaskPriorityMedium
	}
	v := errors.NewValidationErrors()
	validateText(v, "title", r.Title, 1, 255)
	validateText(v, "description", r.Description, 0, 5000)
	validateEnum(v, "type", r.Type, constants.IsValidTaskType)
	validateEnum(v, "priority", r.Priority, constants.IsValidTaskPriority)
	validateOptionalID(v, "agentId", r.AgentID)
	validateOptionalID(v, "projectId", r.ProjectID)
	return v.Err()
}

// UpdateTaskRequest is the body of PATCH /api/tasks/{id}. Status changes go
// through the action endpoint.
type UpdateTaskRequest struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Priority    *string         `json:"priority,omitempty"`
	AgentID     *string         `json:"agentId,omitempty"`
	ProjectID   *string         `json:"projectId,omitempty"`
	Config      *map[string]any `json:"config,omitempty"`
}

// Validate checks the request.
func (r *UpdateTaskRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateOptionalText(v, "title", r.Title, 1, 255)
	validateOptionalText(v, "description", r.Description, 0, 5000)
	validateOptionalEnum(v, "priority", r.Priority, constants.IsValidTaskPriority)
	validateOptionalID(v, "agentId", r.AgentID)
	validateOptionalID(v, "projectId", r.ProjectID)
	return v.Err()
}

// Apply copies the set fields onto t. An empty agentId or projectId clears
// the assignment.
func (r *UpdateTaskRequest) Apply(t *store.Task) {
	if r.Title != nil {
		t.Title = *r.Title
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.Priority != nil {
		t.Priority = *r.Priority
	}
	if r.AgentID != nil {
		t.AgentID = emptyToNil(*r.AgentID)
	}
	if r.ProjectID != nil {
		t.ProjectID = emptyToNil(*r.ProjectID)
	}
	if r.Config != nil {
		t.Config = *r.Config
	}
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validateOptionalID(v *errors.ValidationErrors, field string, id *string) {
	if id != nil && *id != "" {
		if err := validation.ValidateID(*id); err != nil {
			v.AddField(field, err.Error())
		}
	}
}

// UpdateProgressRequest is the body of PATCH /api/tasks/{id}/progress.
type UpdateProgressRequest struct {
	Progress *int `json:"progress"`
}

// Validate checks the request.
func (r *UpdateProgressRequest) Validate() error {
	if r.Progress == nil {
		return errors.NewMissingField("progress")
	}
	if *r.Progress < 0 || *r.Progress > 100 {
		return errors.NewInvalidValue("progress", *r.Progress, "must be between 0 and 100")
	}
	return nil
}

// AppendLogRequest is the body of POST /api/tasks/{id}/logs.
type AppendLogRequest struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Validate checks the request. Level defaults to info.
func (r *AppendLogRequest) Validate() error {
	if r.Level == "" {
		r.Level = constants.LogLevelInfo
	}
	v := errors.NewValidationErrors()
	validateEnum(v, "level", r.Level, constants.IsValidLogLevel)
	validateText(v, "message", r.Message, 1, 10000)
	return v.Err()
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Framework   string `json:"framework,omitempty"`
}

// Validate checks the request.
func (r *CreateProjectRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "name", r.Name, 1, 255)
	validateText(v, "description", r.Description, 0, 2000)
	validateText(v, "repository", r.Repository, 0, 512)
	validateText(v, "framework", r.Framework, 0, 64)
	return v.Err()
}

// =============================================================================
// Responses
// =============================================================================

// TaskResponse is the public view of a task.
type TaskResponse struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	AgentID     *string        `json:"agentId"`
	ProjectID   *string        `json:"projectId"`
	Progress    int            `json:"progress"`
	Config      map[string]any `json:"config,omitempty"`
	CreatedBy   string         `json:"createdBy"`
	StartedAt   *time.Time     `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Version     int            `json:"version"`
}

// FromTask converts a stored task.
func FromTask(t *store.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Type:        t.Type,
		Status:      t.Status,
		Priority:    t.Priority,
		AgentID:     t.AgentID,
		ProjectID:   t.ProjectID,
		Progress:    t.Progress,
		Config:      t.Config,
		CreatedBy:   t.CreatedBy,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Version:     t.Version,
	}
}

// TaskListResponse is returned by GET /api/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Page
}

// TaskDetailResponse is returned by GET /api/tasks/{id}.
type TaskDetailResponse struct {
	TaskResponse
	Logs []TaskLogResponse `json:"logs"`
}

// TaskLogResponse is one task log line.
type TaskLogResponse struct {
	ID        string         `json:"id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FromTaskLog converts a stored log line.
func FromTaskLog(l *store.TaskLog) TaskLogResponse {
	return TaskLogResponse{ID: l.ID, Level: l.Level, Message: l.Message, Data: l.Data, Timestamp: l.Timestamp}
}

// ProjectResponse is the public view of a project.
type ProjectResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Repository  string    `json:"repository"`
	Framework   string    `json:"framework"`
	Status      string    `json:"status"`
	TaskCount   int64     `json:"taskCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FromProject converts a stored project.
func FromProject(p *store.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Repository:  p.Repository,
		Framework:   p.Framework,
		Status:      p.Status,
		TaskCount:   p.TaskCount,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ProjectListResponse is returned by GET /api/projects.
type ProjectListResponse struct {
	Projects []ProjectResponse `json:"projects"`
}
