package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// taskLogLimit is how many log lines a task detail carries.
const taskLogLimit = 200

// =============================================================================
// Tasks
// =============================================================================

// TaskQuery holds the list filters of GET /api/tasks.
type TaskQuery struct {
	Status    string
	Type      string
	AgentID   string
	ProjectID string
	Search    string
	DateRange string
	Page      int
	Limit     int
}

// TaskList is one page of tasks.
type TaskList struct {
	Tasks []*store.Task
	Total int64
	Page  int
	Limit int
}

// since converts a date range to the earliest creation time. "today" starts
// at midnight UTC; week and month are rolling 7 and 30 days.
func since(dateRange string, now time.Time) (*time.Time, error) {
	now = now.UTC()
	var t time.Time
	switch dateRange {
	case "", constants.DateRangeAll:
		return nil, nil
	case constants.DateRangeToday:
		t = now.Truncate(24 * time.Hour)
	case constants.DateRangeWeek:
		t = now.AddDate(0, 0, -7)
	case constants.DateRangeMonth:
		t = now.AddDate(0, 0, -30)
	default:
		return nil, errors.NewInvalidValue("dateRange", dateRange, "must be today, week, month or all")
	}
	return &t, nil
}

// ListTasks returns a page of tasks, newest first.
func (m *Manager) ListTasks(ctx context.Context, orgID string, q TaskQuery) (*TaskList, error) {
	page, limit, err := validation.Page(q.Page, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidPage)
	}
	v := errors.NewValidationErrors()
	if q.Status != "" && !constants.IsValidTaskStatus(q.Status) {
		v.Add(errors.NewInvalidValue("status", q.Status, "unknown task status"))
	}
	if q.Type != "" && !constants.IsValidTaskType(q.Type) {
		v.Add(errors.NewInvalidValue("type", q.Type, "unknown task type"))
	}
	from, err := since(q.DateRange, m.now())
	v.Add(err)
	if err := v.Err(); err != nil {
		return nil, err
	}

	f := store.TaskFilter{
		OrganizationID: orgID,
		Status:         q.Status,
		Type:           q.Type,
		AgentID:        q.AgentID,
		ProjectID:      q.ProjectID,
		Query:          q.Search,
		Since:          from,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	}
	tasks, err := m.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := m.store.CountTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	return &TaskList{Tasks: tasks, Total: total, Page: page, Limit: limit}, nil
}

// TaskDetail is a task with its recent log lines.
type TaskDetail struct {
	Task *store.Task
	Logs []*store.TaskLog
}

// GetTask returns a task with its most recent logs.
func (m *Manager) GetTask(ctx context.Context, orgID, id string) (*TaskDetail, error) {
	t, err := m.store.GetTask(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.ListTaskLogs(ctx, id, taskLogLimit)
	if err != nil {
		return nil, err
	}
	return &TaskDetail{Task: t, Logs: logs}, nil
}

// checkRefs verifies that referenced agent and project belong to the
// organization.
func (m *Manager) checkRefs(ctx context.Context, orgID string, agentID, projectID *string) error {
	if agentID != nil && *agentID != "" {
		if _, err := m.store.GetAgent(ctx, orgID, *agentID); err != nil {
			return err
		}
	}
	if projectID != nil && *projectID != "" {
		if _, err := m.store.GetProject(ctx, orgID, *projectID); err != nil {
			return err
		}
	}
	return nil
}

// CreateTask creates a pending task.
func (m *Manager) CreateTask(ctx context.Context, orgID, userID string, req *api.CreateTaskRequest) (*store.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkRefs(ctx, orgID, req.AgentID, req.ProjectID); err != nil {
		return nil, err
	}

	t := &store.Task{
		OrganizationID: orgID,
		Title:          req.Title,
		Description:    req.Description,
		Type:           req.Type,
		Status:         constants.TaskStatusPending,
		Priority:       req.Priority,
		AgentID:        req.AgentID,
		ProjectID:      req.ProjectID,
		Config:         req.Config,
		CreatedBy:      userID,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	m.publish(notify.EventTaskCreated, orgID, t.ID, api.FromTask(t))
	return t, nil
}

// UpdateTask applies a partial update.
func (m *Manager) UpdateTask(ctx context.Context, orgID, id string, req *api.UpdateTaskRequest) (*store.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkRefs(ctx, orgID, req.AgentID, req.ProjectID); err != nil {
		return nil, err
	}

	t, err := m.store.GetTask(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	req.Apply(t)
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	m.publish(notify.EventTaskUpdated, orgID, t.ID, api.FromTask(t))
	return t, nil
}

// DeleteTask removes a task and its logs.
func (m *Manager) DeleteTask(ctx context.Context, orgID, id string) error {
	if err := m.store.DeleteTask(ctx, orgID, id); err != nil {
		return err
	}
	m.publish(notify.EventTaskDeleted, orgID, id, nil)
	return nil
}

// ApplyTaskAction moves a task through the transition table.
//
// start records StartedAt on the first run; complete sets CompletedAt and
// progress 100; retry resets progress and timestamps so the task runs
// afresh.
func (m *Manager) ApplyTaskAction(ctx context.Context, orgID, id, action string) (*store.Task, error) {
	if !constants.IsValidTaskAction(action) {
		return nil, errors.NewInvalidValue("action", action, "unknown task action")
	}

	t, err := m.store.GetTask(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	next, ok := constants.NextTaskStatus(t.Status, action)
	if !ok {
		return nil, errors.NewInvalidTransition("task", t.Status, action)
	}

	now := m.now().UTC()
	switch action {
	case constants.TaskActionStart:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case constants.TaskActionComplete:
		t.CompletedAt = &now
		t.Progress = 100
	case constants.TaskActionFail, constants.TaskActionCancel:
		t.CompletedAt = &now
	case constants.TaskActionRetry:
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Progress = 0
	}
	prev := t.Status
	t.Status = next

	if err := m.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	log.Debug("task transition", "task_id", id, "from", prev, "action", action, "to", next)
	m.publish(notify.EventTaskUpdated, orgID, t.ID, api.FromTask(t))
	return t, nil
}

// UpdateProgress sets the progress of a task.
func (m *Manager) UpdateProgress(ctx context.Context, orgID, id string, req *api.UpdateProgressRequest) (*store.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t, err := m.store.GetTask(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	t.Progress = *req.Progress
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	m.publish(notify.EventTaskUpdated, orgID, t.ID, api.FromTask(t))
	return t, nil
}

// AppendTaskLog appends a log line to a task.
func (m *Manager) AppendTaskLog(ctx context.Context, orgID, id string, req *api.AppendLogRequest) (*store.TaskLog, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.store.GetTask(ctx, orgID, id); err != nil {
		return nil, err
	}

	l := &store.TaskLog{TaskID: id, Level: req.Level, Message: req.Message, Data: req.Data}
	if err := m.store.AppendTaskLog(ctx, l); err != nil {
		return nil, err
	}

	m.publish(notify.EventTaskLog, orgID, id, api.FromTaskLog(l))
	return l, nil
}

// =============================================================================
// Projects
// =============================================================================

// ListProjects returns the organization's projects with task counts.
func (m *Manager) ListProjects(ctx context.Context, orgID string) ([]*store.Project, error) {
	return m.store.ListProjects(ctx, orgID)
}

// GetProject returns one project.
func (m *Manager) GetProject(ctx context.Context, orgID, id string) (*store.Project, error) {
	return m.store.GetProject(ctx, orgID, id)
}

// CreateProject creates a project.
func (m *Manager) CreateProject(ctx context.Context, orgID string, req *api.CreateProjectRequest) (*store.Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p := &store.Project{
		OrganizationID: orgID,
		Name:           req.Name,
		Description:    req.Description,
		Repository:     req.Repository,
		Framework:      req.Framework,
	}
	if err := m.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
