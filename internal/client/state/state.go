// Package state holds the dashboard client state as immutable snapshots.
//
// A Snapshot is never mutated in place. Every action is a pure function
// taking a snapshot and returning a new one, so a renderer can keep the
// previous snapshot around and compare.
//
// Task transitions are optimistic: BeginTaskAction applies the expected
// status locally and records a pending operation; ConfirmTaskAction
// replaces the task with the server's answer and RollbackTaskAction
// restores the previous version.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
)

// PendingOp is an optimistic task transition awaiting the server.
type PendingOp struct {
	TaskID    string
	Action    string
	Previous  api.TaskResponse
	StartedAt time.Time
}

// Snapshot is the complete client state.
type Snapshot struct {
	Agents   []api.AgentResponse
	Tasks    []api.TaskResponse
	Projects []api.ProjectResponse
	Codices  []api.CodexResponse
	Overview *api.OverviewResponse

	ActiveCodexID    string
	View             string
	SidebarCollapsed bool

	// Pending is keyed by task ID; at most one operation per task.
	Pending map[string]PendingOp

	// Version increases with every action that changed something.
	Version uint64
}

// New returns the initial state.
func New() Snapshot {
	return Snapshot{View: constants.ViewAgentOps}
}

// Agent returns the agent with id.
func (s Snapshot) Agent(id string) (api.AgentResponse, bool) {
	if i := indexAgent(s.Agents, id); i >= 0 {
		return s.Agents[i], true
	}
	return api.AgentResponse{}, false
}

// Task returns the task with id.
func (s Snapshot) Task(id string) (api.TaskResponse, bool) {
	if i := indexTask(s.Tasks, id); i >= 0 {
		return s.Tasks[i], true
	}
	return api.TaskResponse{}, false
}

// ActiveCodex returns the selected codex, if any.
func (s Snapshot) ActiveCodex() (api.CodexResponse, bool) {
	for _, c := range s.Codices {
		if c.ID == s.ActiveCodexID {
			return c, true
		}
	}
	return api.CodexResponse{}, false
}

// IsPending reports whether a transition of task id awaits the server.
func (s Snapshot) IsPending(id string) bool {
	_, ok := s.Pending[id]
	return ok
}

// TasksByStatus counts tasks per status.
func (s Snapshot) TasksByStatus() map[string]int {
	out := make(map[string]int, len(constants.ValidTaskStatuses))
	for _, t := range s.Tasks {
		out[t.Status]++
	}
	return out
}

func (s Snapshot) next() Snapshot {
	s.Version++
	return s
}

// =============================================================================
// Collections
// =============================================================================

// SetAgents replaces the agent list.
func SetAgents(s Snapshot, agents []api.AgentResponse) Snapshot {
	s.Agents = append([]api.AgentResponse(nil), agents...)
	return s.next()
}

// UpsertAgent adds an agent or replaces the one with the same ID.
func UpsertAgent(s Snapshot, a api.AgentResponse) Snapshot {
	s.Agents = upsert(s.Agents, a, indexAgent(s.Agents, a.ID))
	return s.next()
}

// RemoveAgent drops an agent. Unknown IDs leave the snapshot unchanged.
func RemoveAgent(s Snapshot, id string) Snapshot {
	i := indexAgent(s.Agents, id)
	if i < 0 {
		return s
	}
	s.Agents = remove(s.Agents, i)
	return s.next()
}

// SetTasks replaces the task list. Tasks with a pending operation keep
// their optimistic version.
func SetTasks(s Snapshot, tasks []api.TaskResponse) Snapshot {
	out := append([]api.TaskResponse(nil), tasks...)
	for i, t := range out {
		if _, ok := s.Pending[t.ID]; ok {
			if j := indexTask(s.Tasks, t.ID); j >= 0 {
				out[i] = s.Tasks[j]
			}
		}
	}
	s.Tasks = out
	return s.next()
}

// UpsertTask adds a task or replaces the one with the same ID. A task with
// a pending operation is left alone until the operation settles.
func UpsertTask(s Snapshot, t api.TaskResponse) Snapshot {
	if s.IsPending(t.ID) {
		return s
	}
	s.Tasks = upsert(s.Tasks, t, indexTask(s.Tasks, t.ID))
	return s.next()
}

// RemoveTask drops a task and any pending operation on it.
func RemoveTask(s Snapshot, id string) Snapshot {
	i := indexTask(s.Tasks, id)
	if i < 0 {
		return s
	}
	s.Tasks = remove(s.Tasks, i)
	s.Pending = without(s.Pending, id)
	return s.next()
}

// SetProjects replaces the project list.
func SetProjects(s Snapshot, projects []api.ProjectResponse) Snapshot {
	s.Projects = append([]api.ProjectResponse(nil), projects...)
	return s.next()
}

// SetCodices replaces the codex list. The active codex is cleared when it
// is no longer listed.
func SetCodices(s Snapshot, codices []api.CodexResponse) Snapshot {
	s.Codices = append([]api.CodexResponse(nil), codices...)
	if _, ok := s.ActiveCodex(); !ok {
		s.ActiveCodexID = ""
	}
	return s.next()
}

// UpsertCodex adds a codex or replaces the one with the same ID.
func UpsertCodex(s Snapshot, c api.CodexResponse) Snapshot {
	i := -1
	for j := range s.Codices {
		if s.Codices[j].ID == c.ID {
			i = j
			break
		}
	}
	s.Codices = upsert(s.Codices, c, i)
	return s.next()
}

// RemoveCodex drops a codex and deselects it.
func RemoveCodex(s Snapshot, id string) Snapshot {
	for i := range s.Codices {
		if s.Codices[i].ID == id {
			s.Codices = remove(s.Codices, i)
			if s.ActiveCodexID == id {
				s.ActiveCodexID = ""
			}
			return s.next()
		}
	}
	return s
}

// SetOverview stores the dashboard counters.
func SetOverview(s Snapshot, o api.OverviewResponse) Snapshot {
	s.Overview = &o
	return s.next()
}

// =============================================================================
// Navigation
// =============================================================================

// SelectCodex makes a listed codex active. An empty id deselects.
func SelectCodex(s Snapshot, id string) (Snapshot, error) {
	if id != "" {
		found := false
		for _, c := range s.Codices {
			if c.ID == id {
				found = true
				break
			}
		}
		if !found {
			return s, errors.NewNotFound("codex", id)
		}
	}
	s.ActiveCodexID = id
	return s.next(), nil
}

// SetView switches between agentops, codex and unified.
func SetView(s Snapshot, view string) (Snapshot, error) {
	if !constants.IsValidView(view) {
		return s, errors.NewInvalidValue("view", view, fmt.Sprintf("must be one of %v", constants.ValidViews))
	}
	s.View = view
	return s.next(), nil
}

// ToggleSidebar flips the sidebar.
func ToggleSidebar(s Snapshot) Snapshot {
	s.SidebarCollapsed = !s.SidebarCollapsed
	return s.next()
}

// =============================================================================
// Optimistic Task Transitions
// =============================================================================

// BeginTaskAction applies action to a task locally. It fails when the task
// is unknown, already has a pending operation, or the transition is not
// allowed from its current status.
func BeginTaskAction(s Snapshot, id, action string, now time.Time) (Snapshot, error) {
	i := indexTask(s.Tasks, id)
	if i < 0 {
		return s, errors.NewNotFound("task", id)
	}
	if s.IsPending(id) {
		return s, fmt.Errorf("task %s: %w", id, errors.ErrConcurrentModification)
	}
	prev := s.Tasks[i]
	to, ok := constants.NextTaskStatus(prev.Status, action)
	if !ok {
		return s, errors.NewInvalidTransition("task", prev.Status, action)
	}

	t := prev
	t.Status = to
	switch action {
	case constants.TaskActionStart:
		if t.StartedAt == nil {
			at := now.UTC()
			t.StartedAt = &at
		}
	case constants.TaskActionComplete:
		t.Progress = 100
		at := now.UTC()
		t.CompletedAt = &at
	case constants.TaskActionRetry:
		t.Progress = 0
		t.CompletedAt = nil
	}

	s.Tasks = upsert(s.Tasks, t, i)
	s.Pending = with(s.Pending, id, PendingOp{TaskID: id, Action: action, Previous: prev, StartedAt: now})
	return s.next(), nil
}

// ConfirmTaskAction settles a pending operation with the server's version
// of the task.
func ConfirmTaskAction(s Snapshot, confirmed api.TaskResponse) Snapshot {
	s.Pending = without(s.Pending, confirmed.ID)
	s.Tasks = upsert(s.Tasks, confirmed, indexTask(s.Tasks, confirmed.ID))
	return s.next()
}

// RollbackTaskAction restores the task as it was before BeginTaskAction.
func RollbackTaskAction(s Snapshot, id string) Snapshot {
	op, ok := s.Pending[id]
	if !ok {
		return s
	}
	s.Pending = without(s.Pending, id)
	if i := indexTask(s.Tasks, id); i >= 0 {
		s.Tasks = upsert(s.Tasks, op.Previous, i)
	}
	return s.next()
}

// ExpirePending rolls back operations started before cutoff.
func ExpirePending(s Snapshot, cutoff time.Time) Snapshot {
	for id, op := range s.Pending {
		if op.StartedAt.Before(cutoff) {
			s = RollbackTaskAction(s, id)
		}
	}
	return s
}

// =============================================================================
// Server Events
// =============================================================================

// ApplyEvent folds a change notification into the snapshot. Unknown event
// types and payloads that do not decode are ignored.
func ApplyEvent(s Snapshot, typ, entityID string, data json.RawMessage) Snapshot {
	switch typ {
	case "agent.created", "agent.updated":
		var a api.AgentResponse
		if decode(data, &a) && a.ID != "" {
			return UpsertAgent(s, a)
		}
	case "agent.session_started":
		var ss api.StartSessionResponse
		if decode(data, &ss) && ss.Agent.ID != "" {
			return UpsertAgent(s, ss.Agent)
		}
	case "agent.deleted":
		return RemoveAgent(s, entityID)
	case "task.created", "task.updated":
		var t api.TaskResponse
		if decode(data, &t) && t.ID != "" {
			return UpsertTask(s, t)
		}
	case "task.deleted":
		return RemoveTask(s, entityID)
	case "codex.created":
		var c api.CodexResponse
		if decode(data, &c) && c.ID != "" {
			return UpsertCodex(s, c)
		}
	case "codex.updated":
		// Child additions carry only the child; those leave the list as is.
		var c api.CodexResponse
		if decode(data, &c) && c.ID == entityID {
			return UpsertCodex(s, c)
		}
	case "codex.deleted":
		return RemoveCodex(s, entityID)
	}
	return s
}

func decode(data json.RawMessage, v any) bool {
	return len(data) > 0 && json.Unmarshal(data, v) == nil
}

// =============================================================================
// Copy-on-write helpers
// =============================================================================

func indexAgent(list []api.AgentResponse, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func indexTask(list []api.TaskResponse, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// upsert returns a copy of list with v at index i, or appended when i < 0.
func upsert[T any](list []T, v T, i int) []T {
	out := make([]T, len(list), len(list)+1)
	copy(out, list)
	if i < 0 {
		return append(out, v)
	}
	out[i] = v
	return out
}

func remove[T any](list []T, i int) []T {
	out := make([]T, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

func with(m map[string]PendingOp, k string, v PendingOp) map[string]PendingOp {
	out := make(map[string]PendingOp, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func without(m map[string]PendingOp, k string) map[string]PendingOp {
	if _, ok := m[k]; !ok {
		return m
	}
	out := make(map[string]PendingOp, len(m))
	for key, val := range m {
		if key != k {
			out[key] = val
		}
	}
	return out
}
