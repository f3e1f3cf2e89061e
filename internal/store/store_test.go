package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xtxerr/enginedash/internal/constants"
	apperrors "github.com/xtxerr/enginedash/internal/errors"
)

// =============================================================================
// Helpers
// =============================================================================

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{
		DSN:          ":memory:",
		MaxOpenConns: 1,
		QueryTimeout: 30 * time.Second,
	}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestOrg(t *testing.T, s *Store) *Organization {
	t.Helper()
	org := &Organization{Name: "Acme", Slug: fmt.Sprintf("acme-%d", time.Now().UnixNano())}
	if err := s.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func createTestAgent(t *testing.T, s *Store, orgID, name string) *Agent {
	t.Helper()
	a := &Agent{
		OrganizationID: orgID,
		Name:           name,
		Type:           "engineer",
		Config:         map[string]any{"model": "large"},
		Capabilities:   []string{"code", "review"},
	}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return a
}

// =============================================================================
// Migrations
// =============================================================================

func TestMigrate_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != migrations[len(migrations)-1].version {
		t.Errorf("expected schema version %d, got %d", migrations[len(migrations)-1].version, v)
	}
}

// =============================================================================
// Accounts
// =============================================================================

func TestUsers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	u := &User{OrganizationID: org.ID, Email: "Ops@Example.com", Username: "ops", PasswordHash: "x", Role: constants.RoleAdmin}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByEmail(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got.ID != u.ID || got.OrganizationID != org.ID {
		t.Errorf("unexpected user %+v", got)
	}

	dup := &User{OrganizationID: org.ID, Email: "ops@example.com", Username: "ops2", PasswordHash: "x", Role: constants.RoleMember}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrUserAlreadyExists) {
		t.Errorf("expected ErrUserAlreadyExists, got %v", err)
	}

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAPITokens(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	if err := s.CreateAPIToken(ctx, &APIToken{OrganizationID: org.ID, Name: "ci", TokenHash: "abc"}); err != nil {
		t.Fatalf("CreateAPIToken: %v", err)
	}

	tok, err := s.GetAPITokenByHash(ctx, "abc")
	if err != nil {
		t.Fatalf("GetAPITokenByHash: %v", err)
	}
	if tok.OrganizationID != org.ID || tok.UserID != "" {
		t.Errorf("unexpected token %+v", tok)
	}

	if _, err := s.GetAPITokenByHash(ctx, "nope"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

// =============================================================================
// Agents
// =============================================================================

func TestAgentCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	a := createTestAgent(t, s, org.ID, "builder")
	if a.Status != constants.AgentStatusIdle || a.Version != 1 {
		t.Errorf("unexpected defaults: status=%s version=%d", a.Status, a.Version)
	}

	got, err := s.GetAgent(ctx, org.ID, a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Config["model"] != "large" || len(got.Capabilities) != 2 {
		t.Errorf("json columns not round-tripped: %+v", got)
	}

	// Other organizations cannot see the agent.
	if _, err := s.GetAgent(ctx, "other-org", a.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}

	got.Description = "updated"
	if err := s.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}

	// Stale version loses.
	a.Description = "stale"
	if err := s.UpdateAgent(ctx, a); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}

	if err := s.DeleteAgent(ctx, org.ID, a.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if err := s.DeleteAgent(ctx, org.ID, a.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound on second delete, got %v", err)
	}
}

func TestListAgents_FilterAndPaging(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	for i := 0; i < 5; i++ {
		a := createTestAgent(t, s, org.ID, fmt.Sprintf("agent-%d", i))
		if i%2 == 0 {
			a.Status = constants.AgentStatusOffline
			if err := s.UpdateAgent(ctx, a); err != nil {
				t.Fatal(err)
			}
		}
	}

	f := AgentFilter{OrganizationID: org.ID, Status: constants.AgentStatusOffline, Limit: 2}
	page, err := s.ListAgents(ctx, f)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("expected 2 agents on first page, got %d", len(page))
	}

	total, err := s.CountAgents(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected 3 offline agents, got %d", total)
	}

	counts, err := s.CountAgentsByStatus(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[constants.AgentStatusIdle] != 2 || counts[constants.AgentStatusOffline] != 3 {
		t.Errorf("unexpected counts %v", counts)
	}
}

// =============================================================================
// Sessions
// =============================================================================

func TestSessions_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)
	a := createTestAgent(t, s, org.ID, "runner")

	first := &Session{AgentID: a.ID, SessionType: "build"}
	agent, err := s.StartSession(ctx, org.ID, first)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if agent.Status != constants.AgentStatusBusy || agent.TotalSessions != 1 || agent.LastActive == nil {
		t.Errorf("unexpected agent after start: %+v", agent)
	}

	second := &Session{AgentID: a.ID, SessionType: "review"}
	if _, err := s.StartSession(ctx, org.ID, second); err != nil {
		t.Fatal(err)
	}

	ended, err := s.EndSession(ctx, org.ID, a.ID, first.ID, SessionEnd{Status: constants.SessionStatusCompleted})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.Status != constants.SessionStatusCompleted || ended.EndedAt == nil || ended.DurationMs == nil {
		t.Errorf("unexpected ended session %+v", ended)
	}

	// Still busy with the second session.
	agent, _ = s.GetAgent(ctx, org.ID, a.ID)
	if agent.Status != constants.AgentStatusBusy {
		t.Errorf("expected BUSY with one active session, got %s", agent.Status)
	}

	if _, err := s.EndSession(ctx, org.ID, a.ID, second.ID, SessionEnd{Status: constants.SessionStatusFailed}); err != nil {
		t.Fatal(err)
	}
	agent, _ = s.GetAgent(ctx, org.ID, a.ID)
	if agent.Status != constants.AgentStatusIdle {
		t.Errorf("expected IDLE, got %s", agent.Status)
	}

	if _, err := s.EndSession(ctx, org.ID, a.ID, second.ID, SessionEnd{Status: constants.SessionStatusFailed}); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}

	sessions, err := s.ListSessions(ctx, SessionFilter{AgentID: a.ID, Status: constants.SessionStatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].ID != second.ID {
		t.Errorf("expected only the failed session, got %d", len(sessions))
	}
}

func TestSessions_UserAndStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)
	a := createTestAgent(t, s, org.ID, "runner")

	u := &User{OrganizationID: org.ID, Email: "dev@example.com", Username: "dev", PasswordHash: "x", Role: constants.RoleMember}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	latency := func(v float64) *float64 { return &v }
	ends := []SessionEnd{
		{Status: constants.SessionStatusCompleted, RequestCount: 10, TotalTokens: 500, AvgLatencyMs: latency(100)},
		{Status: constants.SessionStatusCompleted, RequestCount: 30, TotalTokens: 900, AvgLatencyMs: latency(200), ErrorCount: 2},
		{Status: constants.SessionStatusFailed},
		{Status: constants.SessionStatusCompleted},
	}

	var last *Session
	for _, end := range ends {
		sess := &Session{AgentID: a.ID, UserID: u.ID, SessionType: "chat"}
		if _, err := s.StartSession(ctx, org.ID, sess); err != nil {
			t.Fatal(err)
		}
		ended, err := s.EndSession(ctx, org.ID, a.ID, sess.ID, end)
		if err != nil {
			t.Fatalf("EndSession: %v", err)
		}
		last = ended
		if end.RequestCount == 30 {
			if ended.RequestCount != 30 || ended.TotalTokens != 900 || ended.ErrorCount != 2 ||
				ended.AvgLatencyMs == nil || *ended.AvgLatencyMs != 200 {
				t.Errorf("counters not stored: %+v", ended)
			}
		}
	}
	if last.UserID != u.ID || last.Username != "dev" {
		t.Errorf("expected user %s (dev), got %q (%q)", u.ID, last.UserID, last.Username)
	}
	if last.AvgLatencyMs != nil {
		t.Errorf("expected nil latency when not reported, got %v", *last.AvgLatencyMs)
	}

	got, err := s.GetAgent(ctx, org.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalRequests != 40 {
		t.Errorf("total requests = %d, want 40", got.TotalRequests)
	}
	if got.AvgResponseMs == nil || *got.AvgResponseMs != 175 {
		t.Errorf("avg response = %v, want 175", got.AvgResponseMs)
	}
	if got.SuccessRate == nil || *got.SuccessRate != 75 {
		t.Errorf("success rate = %v, want 75", got.SuccessRate)
	}

	list, err := s.ListSessions(ctx, SessionFilter{AgentID: a.ID, Status: constants.SessionStatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Username != "dev" {
		t.Errorf("expected one failed session owned by dev, got %+v", list)
	}
}

func TestMarkStaleAgentsOffline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t0 })

	idle := createTestAgent(t, s, org.ID, "idle")
	busy := createTestAgent(t, s, org.ID, "busy")
	sess := &Session{AgentID: busy.ID, SessionType: "build"}
	if _, err := s.StartSession(ctx, org.ID, sess); err != nil {
		t.Fatal(err)
	}

	s.SetClock(func() time.Time { return t0.Add(20 * time.Minute) })
	fresh := createTestAgent(t, s, org.ID, "fresh")

	changed, timedOut, err := s.MarkStaleAgentsOffline(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleAgentsOffline: %v", err)
	}
	if len(changed) != 2 || timedOut != 1 {
		t.Fatalf("expected 2 agents and 1 session, got %d and %d", len(changed), timedOut)
	}
	for _, a := range changed {
		if a.Status != constants.AgentStatusOffline {
			t.Errorf("agent %s status %s, want OFFLINE", a.Name, a.Status)
		}
	}

	ended, err := s.GetSession(ctx, org.ID, busy.ID, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != constants.SessionStatusTimeout || ended.DurationMs == nil || *ended.DurationMs != (20*time.Minute).Milliseconds() {
		t.Errorf("unexpected timed out session %+v", ended)
	}
	if got, _ := s.GetAgent(ctx, org.ID, busy.ID); got.SuccessRate == nil || *got.SuccessRate != 0 {
		t.Errorf("expected success rate 0 after timeout, got %v", got.SuccessRate)
	}
	if got, _ := s.GetAgent(ctx, org.ID, fresh.ID); got.Status != constants.AgentStatusIdle {
		t.Errorf("fresh agent status %s, want IDLE", got.Status)
	}

	// Already offline agents are not reported twice.
	changed, _, err = s.MarkStaleAgentsOffline(ctx, t0.Add(10*time.Minute))
	if err != nil || len(changed) != 0 {
		t.Errorf("second pass = %d agents, %v", len(changed), err)
	}

	revived, err := s.TouchAgent(ctx, org.ID, idle.ID)
	if err != nil || !revived {
		t.Fatalf("TouchAgent = %v, %v", revived, err)
	}
	if got, _ := s.GetAgent(ctx, org.ID, idle.ID); got.Status != constants.AgentStatusIdle || got.LastActive == nil {
		t.Errorf("expected revived IDLE agent, got %+v", got)
	}
	if revived, err := s.TouchAgent(ctx, org.ID, fresh.ID); err != nil || revived {
		t.Errorf("touching a live agent = %v, %v", revived, err)
	}
	if _, err := s.TouchAgent(ctx, org.ID, "missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestStartSession_UnknownAgent(t *testing.T) {
	s := setupTestStore(t)
	org := createTestOrg(t, s)

	_, err := s.StartSession(context.Background(), org.ID, &Session{AgentID: "missing", SessionType: "x"})
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

// =============================================================================
// Metrics
// =============================================================================

func generateTestMetrics(agentID, orgID string, count int, startMs int64) []*MetricSample {
	samples := make([]*MetricSample, count)
	for i := 0; i < count; i++ {
		samples[i] = &MetricSample{
			AgentID:        agentID,
			OrganizationID: orgID,
			MetricType:     fmt.Sprintf("m%d", i%2),
			Value:          float64(i),
			Unit:           "ms",
			Tags:           map[string]string{"i": fmt.Sprint(i)},
			TimestampMs:    startMs + int64(i)*1000,
		}
	}
	return samples
}

func TestMetrics_InsertAndQuery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)
	a := createTestAgent(t, s, org.ID, "m")

	start := int64(1_700_000_000_000)
	// More than one chunk.
	if err := s.InsertMetrics(ctx, generateTestMetrics(a.ID, org.ID, 250, start)); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}

	n, err := s.CountMetrics(ctx, a.ID)
	if err != nil || n != 250 {
		t.Fatalf("CountMetrics = %d, %v", n, err)
	}

	got, err := s.QueryMetrics(ctx, MetricFilter{AgentID: a.ID, MetricType: "m0", SinceMs: start, UntilMs: start + 10_000})
	if err != nil {
		t.Fatal(err)
	}
	// i = 0,2,4,6,8
	if len(got) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].TimestampMs < got[i-1].TimestampMs {
			t.Error("samples not ordered by timestamp")
		}
	}
	if got[0].Tags["i"] != "0" {
		t.Errorf("tags not round-tripped: %v", got[0].Tags)
	}

	deleted, err := s.DeleteMetricsBefore(ctx, start+100_000)
	if err != nil || deleted != 100 {
		t.Errorf("DeleteMetricsBefore = %d, %v", deleted, err)
	}
	oldest, err := s.OldestMetricMs(ctx)
	if err != nil || oldest != start+100_000 {
		t.Errorf("OldestMetricMs = %d, %v", oldest, err)
	}
}

func TestInsertMetrics_Cancelled(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.InsertMetrics(ctx, generateTestMetrics("a", "o", 10, 1))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDrainMetricsBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)
	a := createTestAgent(t, s, org.ID, "d")

	start := int64(1_700_000_000_000)
	if err := s.InsertMetrics(ctx, generateTestMetrics(a.ID, org.ID, 10, start)); err != nil {
		t.Fatal(err)
	}

	// A failing callback keeps every row.
	_, err := s.DrainMetricsBefore(ctx, start+5000, func([]*MetricSample) error {
		return errors.New("write failed")
	})
	if err == nil {
		t.Fatal("expected callback error")
	}
	if n, _ := s.CountMetrics(ctx, a.ID); n != 10 {
		t.Fatalf("rows deleted despite failure: %d left", n)
	}

	var seen int
	deleted, err := s.DrainMetricsBefore(ctx, start+5000, func(samples []*MetricSample) error {
		seen = len(samples)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != 5 || deleted != 5 {
		t.Errorf("seen=%d deleted=%d, want 5/5", seen, deleted)
	}
	if n, _ := s.CountMetrics(ctx, a.ID); n != 5 {
		t.Errorf("expected 5 rows left, got %d", n)
	}
}

func TestCreateAgentWithMetrics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	a := &Agent{OrganizationID: org.ID, Name: "new", Type: "tester"}
	m := &MetricSample{MetricType: constants.MetricTypeHealth, Value: 100, Unit: constants.UnitPercentage, TimestampMs: 1}
	if err := s.CreateAgentWithMetrics(ctx, a, []*MetricSample{m}); err != nil {
		t.Fatalf("CreateAgentWithMetrics: %v", err)
	}
	if m.AgentID != a.ID {
		t.Error("sample not bound to agent")
	}
	if n, _ := s.CountMetrics(ctx, a.ID); n != 1 {
		t.Errorf("expected 1 metric, got %d", n)
	}
}

// =============================================================================
// Tasks
// =============================================================================

func TestTasks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	p := &Project{OrganizationID: org.ID, Name: "web", Framework: "go"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}

	for i, title := range []string{"Scaffold API", "Write 100% tests", "Deploy"} {
		task := &Task{
			OrganizationID: org.ID,
			Title:          title,
			Type:           constants.ValidTaskTypes[i],
			Status:         constants.TaskStatusPending,
			Priority:       constants.TaskPriorityMedium,
			ProjectID:      &p.ID,
		}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	// LIKE metacharacters are literal.
	found, err := s.ListTasks(ctx, TaskFilter{OrganizationID: org.ID, Query: "100%"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Title != "Write 100% tests" {
		t.Errorf("unexpected search result %v", found)
	}

	found, err = s.ListTasks(ctx, TaskFilter{OrganizationID: org.ID, Query: "SCAFFOLD"})
	if err != nil || len(found) != 1 {
		t.Errorf("expected case-insensitive match, got %d, %v", len(found), err)
	}

	proj, err := s.GetProject(ctx, org.ID, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if proj.TaskCount != 3 {
		t.Errorf("expected task count 3, got %d", proj.TaskCount)
	}

	task := found[0]
	task.Status = constants.TaskStatusRunning
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	counts, err := s.CountTasksByStatus(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[constants.TaskStatusRunning] != 1 || counts[constants.TaskStatusPending] != 2 {
		t.Errorf("unexpected counts %v", counts)
	}

	for _, msg := range []string{"one", "two", "three"} {
		if err := s.AppendTaskLog(ctx, &TaskLog{TaskID: task.ID, Level: constants.LogLevelInfo, Message: msg}); err != nil {
			t.Fatal(err)
		}
	}
	logs, err := s.ListTaskLogs(ctx, task.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}

	if err := s.DeleteTask(ctx, org.ID, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetTask(ctx, org.ID, task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

// =============================================================================
// Codex
// =============================================================================

func TestCodex_ForkAndVotes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	org := createTestOrg(t, s)

	c := &Codex{OrganizationID: org.ID, Title: "Way of Tests", AuthorID: "u1", Status: constants.CodexStatusActive}
	if err := s.CreateCodex(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSymbol(ctx, &Symbol{CodexID: c.ID, Name: "Seed", Meaning: "start", Category: "awakening"}); err != nil {
		t.Fatal(err)
	}
	ritual := &Ritual{CodexID: c.ID, Name: "Standup", Frequency: "daily", Steps: []RitualStep{
		{Instruction: "gather", Required: true},
		{Instruction: "speak"},
	}}
	if err := s.AddRitual(ctx, ritual); err != nil {
		t.Fatal(err)
	}
	if ritual.Steps[1].Position != 2 {
		t.Errorf("expected steps numbered from 1, got %d", ritual.Steps[1].Position)
	}
	cm := &Commandment{CodexID: c.ID, Text: "Test first", Category: "technical", ProposedBy: "u1"}
	if err := s.AddCommandment(ctx, cm); err != nil {
		t.Fatal(err)
	}

	voted, err := s.CastVote(ctx, c.ID, cm.ID, &Vote{UserID: "u2", Vote: constants.VoteAgree})
	if err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if voted.Status != constants.CommandmentStatusDebated || len(voted.Votes) != 1 {
		t.Errorf("unexpected commandment after vote: %+v", voted)
	}

	// Revoting replaces.
	voted, err = s.CastVote(ctx, c.ID, cm.ID, &Vote{UserID: "u2", Vote: constants.VoteDisagree})
	if err != nil {
		t.Fatal(err)
	}
	if len(voted.Votes) != 1 || voted.Votes[0].Vote != constants.VoteDisagree {
		t.Errorf("expected replaced vote, got %+v", voted.Votes)
	}

	fork, err := s.ForkCodex(ctx, org.ID, c.ID, "u3")
	if err != nil {
		t.Fatalf("ForkCodex: %v", err)
	}
	if fork.Status != constants.CodexStatusDraft || fork.AuthorID != "u3" || fork.ForkedFrom == nil {
		t.Errorf("unexpected fork %+v", fork)
	}

	full, err := s.GetCodexFull(ctx, org.ID, fork.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Symbols) != 1 || len(full.Rituals) != 1 || len(full.Rituals[0].Steps) != 2 {
		t.Errorf("fork children not copied: %+v", full)
	}
	if len(full.Commandments) != 1 || full.Commandments[0].Status != constants.CommandmentStatusProposed || len(full.Commandments[0].Votes) != 0 {
		t.Errorf("fork commandments should restart as proposed without votes")
	}

	src, err := s.GetCodex(ctx, org.ID, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if src.Forks != 1 {
		t.Errorf("expected forks=1, got %d", src.Forks)
	}

	sorted, err := s.ListCodices(ctx, CodexFilter{OrganizationID: org.ID, SortBy: constants.CodexSortForks})
	if err != nil {
		t.Fatal(err)
	}
	if len(sorted) != 2 || sorted[0].ID != c.ID {
		t.Errorf("expected most forked first")
	}

	if err := s.DeleteCodex(ctx, org.ID, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CastVote(ctx, c.ID, cm.ID, &Vote{UserID: "u2", Vote: constants.VoteAgree}); !errors.Is(err, ErrCommandmentNotFound) {
		t.Errorf("expected ErrCommandmentNotFound after delete, got %v", err)
	}
}
