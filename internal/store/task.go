package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/enginedash/internal/validation"
)

// =============================================================================
// Task Types
// =============================================================================

// Task is a unit of work assigned to an agent.
type Task struct {
	ID             string
	OrganizationID string
	Title          string
	Description    string
	Type           string
	Status         string
	Priority       string
	AgentID        *string
	ProjectID      *string
	Progress       int
	Config         map[string]any
	CreatedBy      string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}

// TaskLog is one log line attached to a task.
type TaskLog struct {
	ID        string
	TaskID    string
	Level     string
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// TaskFilter selects tasks. Query matches title or description,
// case-insensitively. Since restricts to tasks created at or after it.
type TaskFilter struct {
	OrganizationID string
	Status         string
	Type           string
	AgentID        string
	ProjectID      string
	Query          string
	Since          *time.Time
	Limit          int
	Offset         int
}

func (f TaskFilter) where() (string, []any) {
	clauses := []string{"organization_id = ?"}
	args := []any{f.OrganizationID}
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Type != "" {
		add("type = ?", f.Type)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.ProjectID != "" {
		add("project_id = ?", f.ProjectID)
	}
	if f.Query != "" {
		pattern := validation.SafeLikeContains(f.Query)
		clauses = append(clauses, `(title ILIKE ? ESCAPE '\' OR description ILIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	if f.Since != nil {
		add("created_at >= ?", *f.Since)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const taskColumns = `id, organization_id, title, description, type, status, priority, agent_id, project_id,
	progress, config, created_by, started_at, completed_at, created_at, updated_at, version`

// =============================================================================
// Task CRUD
// =============================================================================

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	configJSON, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, t.ID, t.OrganizationID, t.Title, t.Description, t.Type, t.Status, t.Priority,
		t.AgentID, t.ProjectID, t.Progress, configJSON, t.CreatedBy,
		t.StartedAt, t.CompletedAt, now, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	return nil
}

// GetTask retrieves a task by organization and ID.
func (s *Store) GetTask(ctx context.Context, orgID, id string) (*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE organization_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at DESC, id`+pageClause(f.Limit, f.Offset),
		args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return scanTasks(rows)
}

// CountTasks returns the number of tasks matching the filter.
func (s *Store) CountTasks(ctx context.Context, f TaskFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// CountTasksByStatus returns task counts keyed by status.
func (s *Store) CountTasksByStatus(ctx context.Context, orgID string) (map[string]int64, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM tasks WHERE organization_id = ? GROUP BY status`, orgID)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		var description, agentID, projectID, configJSON, createdBy sql.NullString
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(
			&t.ID, &t.OrganizationID, &t.Title, &description, &t.Type, &t.Status, &t.Priority,
			&agentID, &projectID, &t.Progress, &configJSON, &createdBy,
			&startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt, &t.Version,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		t.Description = description.String
		t.CreatedBy = createdBy.String
		t.AgentID = nullString(agentID)
		t.ProjectID = nullString(projectID)
		t.StartedAt = nullTime(startedAt)
		t.CompletedAt = nullTime(completedAt)
		if err := unmarshalJSON(configJSON, &t.Config); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// UpdateTask writes all mutable fields with an optimistic version check.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	configJSON, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, type = ?, status = ?, priority = ?, agent_id = ?, project_id = ?,
		    progress = ?, config = ?, started_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE organization_id = ? AND id = ? AND version = ?
	`, t.Title, t.Description, t.Type, t.Status, t.Priority, t.AgentID, t.ProjectID,
		t.Progress, configJSON, t.StartedAt, t.CompletedAt, now,
		t.OrganizationID, t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	if err := checkAffected(res, ErrTaskNotFound, func() (bool, error) {
		return s.exists(ctx, `SELECT 1 FROM tasks WHERE organization_id = ? AND id = ?`, t.OrganizationID, t.ID)
	}); err != nil {
		return err
	}

	t.UpdatedAt = now
	t.Version++
	return nil
}

// DeleteTask removes a task and its logs.
func (s *Store) DeleteTask(ctx context.Context, orgID, id string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE organization_id = ? AND id = ?`, orgID, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if err := checkAffected(res, ErrTaskNotFound, nil); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("delete task logs: %w", err)
		}
		return nil
	})
}

// =============================================================================
// Task Logs
// =============================================================================

// AppendTaskLog appends a log line to a task.
func (s *Store) AppendTaskLog(ctx context.Context, l *TaskLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	l.Timestamp = s.now()

	dataJSON, err := marshalJSON(l.Data)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_logs (id, task_id, level, message, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.TaskID, l.Level, l.Message, dataJSON, l.Timestamp)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns the last limit log lines of a task in chronological order.
func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]*TaskLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, task_id, level, message, data, timestamp FROM (
			SELECT * FROM task_logs WHERE task_id = ? ORDER BY timestamp DESC, id DESC LIMIT %d
		) ORDER BY timestamp, id
	`, limit), taskID)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var logs []*TaskLog
	for rows.Next() {
		l := &TaskLog{}
		var dataJSON sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Level, &l.Message, &dataJSON, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		if err := unmarshalJSON(dataJSON, &l.Data); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Projects
// =============================================================================

// Project groups tasks.
type Project struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	Repository     string
	Framework      string
	Status         string
	TaskCount      int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const projectSelect = `
	SELECT p.id, p.organization_id, p.name, p.description, p.repository, p.framework, p.status,
	       (SELECT COUNT(*) FROM tasks t WHERE t.project_id = p.id) AS task_count,
	       p.created_at, p.updated_at
	FROM projects p`

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, organization_id, name, description, repository, framework, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.OrganizationID, p.Name, p.Description, p.Repository, p.Framework, p.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetProject retrieves a project with its task count.
func (s *Store) GetProject(ctx context.Context, orgID, id string) (*Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelect+` WHERE p.organization_id = ? AND p.id = ?`, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	projects, err := scanProjects(rows)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, ErrProjectNotFound
	}
	return projects[0], nil
}

// ListProjects returns all projects of an organization ordered by name.
func (s *Store) ListProjects(ctx context.Context, orgID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelect+` WHERE p.organization_id = ? ORDER BY p.name, p.id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	return scanProjects(rows)
}

func scanProjects(rows *sql.Rows) ([]*Project, error) {
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		var description, repository, framework sql.NullString
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &description, &repository, &framework,
			&p.Status, &p.TaskCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Description = description.String
		p.Repository = repository.String
		p.Framework = framework.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
