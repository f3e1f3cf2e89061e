package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func withTasks(statuses ...string) Snapshot {
	s := New()
	var tasks []api.TaskResponse
	for i, st := range statuses {
		tasks = append(tasks, api.TaskResponse{ID: string(rune('a' + i)), Title: "t", Status: st})
	}
	return SetTasks(s, tasks)
}

func TestNew(t *testing.T) {
	s := New()
	if s.View != constants.ViewAgentOps || s.SidebarCollapsed || s.Version != 0 {
		t.Errorf("initial = %+v", s)
	}
}

func TestActionsDoNotMutate(t *testing.T) {
	before := SetAgents(New(), []api.AgentResponse{{ID: "a1", Name: "one"}})
	after := UpsertAgent(before, api.AgentResponse{ID: "a1", Name: "renamed"})

	if before.Agents[0].Name != "one" {
		t.Error("UpsertAgent mutated the previous snapshot")
	}
	if after.Agents[0].Name != "renamed" || after.Version != before.Version+1 {
		t.Errorf("after = %+v", after)
	}

	added := UpsertAgent(after, api.AgentResponse{ID: "a2"})
	removed := RemoveAgent(added, "a1")
	if len(added.Agents) != 2 || len(removed.Agents) != 1 || removed.Agents[0].ID != "a2" {
		t.Errorf("added %d removed %v", len(added.Agents), removed.Agents)
	}
	if same := RemoveAgent(removed, "missing"); same.Version != removed.Version {
		t.Error("removing an unknown agent changed the snapshot")
	}
}

func TestSetView(t *testing.T) {
	s, err := SetView(New(), constants.ViewCodex)
	if err != nil || s.View != constants.ViewCodex {
		t.Fatalf("SetView = %+v, %v", s, err)
	}
	unchanged, err := SetView(s, "kanban")
	if !errors.IsValidation(err) || unchanged.View != constants.ViewCodex {
		t.Errorf("invalid view: %v %s", err, unchanged.View)
	}

	if !ToggleSidebar(s).SidebarCollapsed || ToggleSidebar(ToggleSidebar(s)).SidebarCollapsed {
		t.Error("ToggleSidebar")
	}
}

func TestSelectCodex(t *testing.T) {
	s := SetCodices(New(), []api.CodexResponse{{ID: "c1"}, {ID: "c2"}})

	s, err := SelectCodex(s, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := s.ActiveCodex(); !ok || c.ID != "c2" {
		t.Errorf("active = %+v", c)
	}
	if _, err := SelectCodex(s, "c9"); !errors.IsNotFound(err) {
		t.Errorf("unknown codex: %v", err)
	}

	// Relisting without the active codex deselects it.
	s = SetCodices(s, []api.CodexResponse{{ID: "c1"}})
	if s.ActiveCodexID != "" {
		t.Errorf("active = %q", s.ActiveCodexID)
	}

	s, _ = SelectCodex(s, "c1")
	s = RemoveCodex(s, "c1")
	if s.ActiveCodexID != "" || len(s.Codices) != 0 {
		t.Errorf("after remove = %+v", s)
	}
}

func TestBeginTaskAction(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		action  string
		want    string
		wantErr error
	}{
		{"start pending", constants.TaskStatusPending, constants.TaskActionStart, constants.TaskStatusRunning, nil},
		{"pause running", constants.TaskStatusRunning, constants.TaskActionPause, constants.TaskStatusPaused, nil},
		{"resume paused", constants.TaskStatusPaused, constants.TaskActionStart, constants.TaskStatusRunning, nil},
		{"retry failed", constants.TaskStatusFailed, constants.TaskActionRetry, constants.TaskStatusPending, nil},
		{"cancel running", constants.TaskStatusRunning, constants.TaskActionCancel, constants.TaskStatusCancelled, nil},
		{"complete running", constants.TaskStatusRunning, constants.TaskActionComplete, constants.TaskStatusCompleted, nil},
		{"complete pending", constants.TaskStatusPending, constants.TaskActionComplete, "", errors.ErrInvalidTransition},
		{"cancel completed", constants.TaskStatusCompleted, constants.TaskActionCancel, "", errors.ErrInvalidTransition},
		{"unknown action", constants.TaskStatusPending, "explode", "", errors.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := withTasks(tt.status)
			got, err := BeginTaskAction(s, "a", tt.action, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if got.Version != s.Version || got.IsPending("a") {
					t.Error("failed action changed the snapshot")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			task, _ := got.Task("a")
			if task.Status != tt.want || !got.IsPending("a") {
				t.Errorf("status = %s pending = %v", task.Status, got.IsPending("a"))
			}
			if orig, _ := s.Task("a"); orig.Status != tt.status {
				t.Error("previous snapshot mutated")
			}
		})
	}
}

func TestBeginTaskAction_Errors(t *testing.T) {
	s := withTasks(constants.TaskStatusPending)
	if _, err := BeginTaskAction(s, "zz", constants.TaskActionStart, now); !errors.IsNotFound(err) {
		t.Errorf("unknown task: %v", err)
	}

	s, err := BeginTaskAction(s, "a", constants.TaskActionStart, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BeginTaskAction(s, "a", constants.TaskActionPause, now); !errors.Is(err, errors.ErrConcurrentModification) {
		t.Errorf("second pending op: %v", err)
	}
}

func TestConfirmAndRollback(t *testing.T) {
	s := withTasks(constants.TaskStatusRunning, constants.TaskStatusPending)

	s, err := BeginTaskAction(s, "a", constants.TaskActionComplete, now)
	if err != nil {
		t.Fatal(err)
	}
	if task, _ := s.Task("a"); task.Progress != 100 || task.CompletedAt == nil {
		t.Errorf("optimistic complete = %+v", task)
	}

	s, err = BeginTaskAction(s, "b", constants.TaskActionStart, now)
	if err != nil {
		t.Fatal(err)
	}

	// Server confirms a with its own version.
	s = ConfirmTaskAction(s, api.TaskResponse{ID: "a", Title: "t", Status: constants.TaskStatusCompleted, Version: 7})
	if task, _ := s.Task("a"); task.Version != 7 || s.IsPending("a") {
		t.Errorf("confirmed = %+v", task)
	}

	// Server rejects b.
	s = RollbackTaskAction(s, "b")
	if task, _ := s.Task("b"); task.Status != constants.TaskStatusPending || task.StartedAt != nil || s.IsPending("b") {
		t.Errorf("rolled back = %+v", task)
	}
	if len(s.Pending) != 0 {
		t.Errorf("pending = %v", s.Pending)
	}

	if same := RollbackTaskAction(s, "b"); same.Version != s.Version {
		t.Error("rollback without pending op changed the snapshot")
	}
}

func TestPendingSurvivesRefresh(t *testing.T) {
	s := withTasks(constants.TaskStatusPending)
	s, _ = BeginTaskAction(s, "a", constants.TaskActionStart, now)

	// A list refresh or event carrying the old status does not undo the
	// optimistic update.
	stale := api.TaskResponse{ID: "a", Title: "t", Status: constants.TaskStatusPending}
	s = SetTasks(s, []api.TaskResponse{stale})
	s = UpsertTask(s, stale)
	if task, _ := s.Task("a"); task.Status != constants.TaskStatusRunning {
		t.Errorf("status = %s", task.Status)
	}

	s = RemoveTask(s, "a")
	if s.IsPending("a") || len(s.Tasks) != 0 {
		t.Errorf("after remove = %+v", s)
	}
}

func TestExpirePending(t *testing.T) {
	s := withTasks(constants.TaskStatusPending, constants.TaskStatusPending)
	s, _ = BeginTaskAction(s, "a", constants.TaskActionStart, now)
	s, _ = BeginTaskAction(s, "b", constants.TaskActionStart, now.Add(time.Minute))

	s = ExpirePending(s, now.Add(30*time.Second))
	if s.IsPending("a") || !s.IsPending("b") {
		t.Errorf("pending = %v", s.Pending)
	}
	if task, _ := s.Task("a"); task.Status != constants.TaskStatusPending {
		t.Errorf("expired task = %+v", task)
	}
}

func TestApplyEvent(t *testing.T) {
	raw := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	s := New()
	s = ApplyEvent(s, "agent.created", "a1", raw(api.AgentResponse{ID: "a1", Status: "IDLE"}))
	s = ApplyEvent(s, "agent.session_started", "a1", raw(api.StartSessionResponse{Agent: api.AgentResponse{ID: "a1", Status: "BUSY"}}))
	if a, ok := s.Agent("a1"); !ok || a.Status != "BUSY" {
		t.Errorf("agent = %+v", a)
	}

	s = ApplyEvent(s, "task.created", "t1", raw(api.TaskResponse{ID: "t1", Status: constants.TaskStatusPending}))
	s = ApplyEvent(s, "codex.created", "c1", raw(api.CodexResponse{ID: "c1", Title: "first"}))
	s = ApplyEvent(s, "codex.updated", "c1", raw(map[string]any{"symbol": map[string]any{"id": "s1"}}))
	if len(s.Tasks) != 1 || len(s.Codices) != 1 || s.Codices[0].Title != "first" {
		t.Errorf("snapshot = %+v", s)
	}

	v := s.Version
	s = ApplyEvent(s, "metric.ingested", "a1", raw(map[string]any{"accepted": 3}))
	s = ApplyEvent(s, "task.updated", "t1", json.RawMessage(`{not json`))
	if s.Version != v {
		t.Error("ignored events changed the snapshot")
	}

	s = ApplyEvent(s, "agent.deleted", "a1", nil)
	s = ApplyEvent(s, "task.deleted", "t1", nil)
	s = ApplyEvent(s, "codex.deleted", "c1", nil)
	if len(s.Agents)+len(s.Tasks)+len(s.Codices) != 0 {
		t.Errorf("after deletes = %+v", s)
	}
}

func TestTasksByStatus(t *testing.T) {
	s := withTasks(constants.TaskStatusPending, constants.TaskStatusPending, constants.TaskStatusFailed)
	got := s.TasksByStatus()
	if got[constants.TaskStatusPending] != 2 || got[constants.TaskStatusFailed] != 1 {
		t.Errorf("by status = %v", got)
	}
}
