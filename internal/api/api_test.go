package api

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/enginedash/internal/bucket"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
)

func ptr[T any](v T) *T { return &v }

func TestCreateAgentRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateAgentRequest
		wantErr bool
	}{
		{"valid", CreateAgentRequest{Name: "Scaffolder", Type: "builder"}, false},
		{"missing name", CreateAgentRequest{Type: "builder"}, true},
		{"blank name", CreateAgentRequest{Name: "   ", Type: "builder"}, true},
		{"long name", CreateAgentRequest{Name: strings.Repeat("a", 256), Type: "builder"}, true},
		{"missing type", CreateAgentRequest{Name: "x"}, true},
		{"control char", CreateAgentRequest{Name: "a\x00b", Type: "builder"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpdateAgentRequest_Apply(t *testing.T) {
	req := UpdateAgentRequest{Name: ptr("renamed"), Status: ptr(constants.AgentStatusError)}
	if err := req.Validate(); err != nil {
		t.Fatal(err)
	}
	a := &store.Agent{Name: "old", Type: "builder", Status: constants.AgentStatusIdle}
	req.Apply(a)
	if a.Name != "renamed" || a.Type != "builder" || a.Status != constants.AgentStatusError {
		t.Errorf("agent = %+v", a)
	}

	bad := UpdateAgentRequest{Status: ptr("SLEEPING")}
	if err := bad.Validate(); !errors.Is(err, errors.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
}

func TestEndSessionRequest_Defaults(t *testing.T) {
	var req EndSessionRequest
	if err := req.Validate(); err != nil || req.Status != constants.SessionStatusCompleted {
		t.Errorf("status = %q, err = %v", req.Status, err)
	}
	req = EndSessionRequest{Status: constants.SessionStatusActive}
	if err := req.Validate(); err == nil {
		t.Error("ACTIVE is not a final status")
	}
}

func TestEndSessionRequest_Counters(t *testing.T) {
	tests := []struct {
		name    string
		req     EndSessionRequest
		wantErr bool
	}{
		{"none", EndSessionRequest{}, false},
		{"full", EndSessionRequest{RequestCount: 10, TotalTokens: 400, AvgLatency: ptr(12.5), ErrorCount: 1}, false},
		{"errors without count", EndSessionRequest{ErrorCount: 3}, false},
		{"negative requests", EndSessionRequest{RequestCount: -1}, true},
		{"negative tokens", EndSessionRequest{TotalTokens: -5}, true},
		{"more errors than requests", EndSessionRequest{RequestCount: 2, ErrorCount: 3}, true},
		{"negative latency", EndSessionRequest{AvgLatency: ptr(-1.0)}, true},
		{"nan latency", EndSessionRequest{AvgLatency: ptr(math.NaN())}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			end := tt.req.ToSessionEnd()
			if end.Status != constants.SessionStatusCompleted || end.RequestCount != tt.req.RequestCount ||
				end.AvgLatencyMs != tt.req.AvgLatency {
				t.Errorf("unexpected session end %+v", end)
			}
		})
	}
}

func TestFromSession_User(t *testing.T) {
	s := &store.Session{ID: "s1", AgentID: "a1", UserID: "u1", Username: "dev", Status: constants.SessionStatusActive}
	if got := FromSession(s); got.User == nil || got.User.ID != "u1" || got.User.Username != "dev" {
		t.Errorf("expected user u1/dev, got %+v", got.User)
	}

	s.UserID, s.Username = "", ""
	if got := FromSession(s); got.User != nil || got.UserID != "" {
		t.Errorf("expected no user, got %+v", got.User)
	}
}

func TestIngestMetricsRequest(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := ts.Add(time.Hour)

	req := IngestMetricsRequest{Samples: []MetricSampleInput{
		{MetricType: "cpu.usage", Value: ptr(42.0), Unit: "percentage", Timestamp: &ts},
		{MetricType: "latency_ms", Value: ptr(12.5)},
	}}
	if err := req.Validate(); err != nil {
		t.Fatal(err)
	}
	samples := req.ToSamples("org", "agent", now)
	if len(samples) != 2 {
		t.Fatalf("got %d samples", len(samples))
	}
	if samples[0].TimestampMs != ts.UnixMilli() || samples[1].TimestampMs != now.UnixMilli() {
		t.Error("timestamps not applied")
	}
	if samples[0].OrganizationID != "org" || samples[0].AgentID != "agent" {
		t.Error("ownership not applied")
	}

	invalid := []IngestMetricsRequest{
		{},
		{Samples: []MetricSampleInput{{MetricType: "cpu"}}},
		{Samples: []MetricSampleInput{{MetricType: "cpu", Value: ptr(math.NaN())}}},
		{Samples: []MetricSampleInput{{MetricType: "bad type!", Value: ptr(1.0)}}},
		{Samples: make([]MetricSampleInput, MaxSamplesPerBatch+1)},
	}
	for i, r := range invalid {
		if err := r.Validate(); !errors.IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateTaskRequest_Validate(t *testing.T) {
	agentID := "7f0c6b8e-8d4a-4a53-9c8e-2f5a1c3b9d10"
	tests := []struct {
		name    string
		req     CreateTaskRequest
		wantErr bool
	}{
		{"valid", CreateTaskRequest{Title: "Build", Type: constants.TaskTypeScaffold}, false},
		{"with agent", CreateTaskRequest{Title: "Build", Type: constants.TaskTypeTesting, AgentID: &agentID}, false},
		{"bad type", CreateTaskRequest{Title: "Build", Type: "magic"}, true},
		{"bad priority", CreateTaskRequest{Title: "Build", Type: constants.TaskTypeCustom, Priority: "urgent"}, true},
		{"bad agent id", CreateTaskRequest{Title: "Build", Type: constants.TaskTypeCustom, AgentID: ptr("nope")}, true},
		{"missing title", CreateTaskRequest{Type: constants.TaskTypeCustom}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.req.Priority != constants.TaskPriorityMedium {
				t.Errorf("priority = %q, want default", tt.req.Priority)
			}
		})
	}
}

func TestUpdateProgressRequest(t *testing.T) {
	for _, p := range []*int{nil, ptr(-1), ptr(101)} {
		r := UpdateProgressRequest{Progress: p}
		if err := r.Validate(); !errors.IsValidation(err) {
			t.Errorf("progress %v: expected validation error, got %v", p, err)
		}
	}
	r := UpdateProgressRequest{Progress: ptr(100)}
	if err := r.Validate(); err != nil {
		t.Error(err)
	}
}

func TestUpdateTaskRequest_ClearsAssignment(t *testing.T) {
	agent := "a1"
	task := &store.Task{AgentID: &agent}
	(&UpdateTaskRequest{AgentID: ptr("")}).Apply(task)
	if task.AgentID != nil {
		t.Error("empty agentId should clear the assignment")
	}
}

func TestAddRitualRequest_Steps(t *testing.T) {
	req := AddRitualRequest{
		Name:      "Morning sync",
		Frequency: "daily",
		Steps: []RitualStepInput{
			{Instruction: "Breathe"},
			{Instruction: "Review", DurationSec: ptr(60), Required: ptr(false)},
		},
	}
	if err := req.Validate(); err != nil {
		t.Fatal(err)
	}
	steps := req.ToSteps()
	if steps[0].Position != 1 || steps[1].Position != 2 {
		t.Errorf("positions = %d, %d", steps[0].Position, steps[1].Position)
	}
	if !steps[0].Required || steps[1].Required {
		t.Error("required flags wrong")
	}

	req.Frequency = "hourly"
	if err := req.Validate(); err == nil {
		t.Error("unknown frequency accepted")
	}
}

func TestVoteRequest_Validate(t *testing.T) {
	for _, v := range constants.ValidVotes {
		if err := (&VoteRequest{Vote: v}).Validate(); err != nil {
			t.Errorf("vote %q: %v", v, err)
		}
	}
	if err := (&VoteRequest{Vote: "maybe"}).Validate(); err == nil {
		t.Error("unknown vote accepted")
	}
}

func TestFromCommandment_Tally(t *testing.T) {
	cm := &store.Commandment{ID: "c1", Votes: []*store.Vote{
		{UserID: "u1", Vote: constants.VoteAgree},
		{UserID: "u2", Vote: constants.VoteAgree},
		{UserID: "u3", Vote: constants.VoteAbstain},
	}}
	got := FromCommandment(cm)
	if got.Tally[constants.VoteAgree] != 2 || got.Tally[constants.VoteAbstain] != 1 || got.Tally[constants.VoteDisagree] != 0 {
		t.Errorf("tally = %v", got.Tally)
	}
}

func TestFromBuckets_JSON(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	mean := 10.0
	out := FromBuckets([]bucket.Bucket{
		{Start: start, End: start.Add(time.Minute), Count: 1, Mean: &mean, Min: &mean, Max: &mean, Sum: 10},
		{Start: start.Add(time.Minute), End: start.Add(2 * time.Minute)},
	})

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"mean":10`) || !strings.Contains(s, `"mean":null`) {
		t.Errorf("unexpected JSON %s", s)
	}
	if strings.Contains(s, "p50") {
		t.Error("percentiles must be omitted when absent")
	}
}

func TestNewErrorBody(t *testing.T) {
	body := NewErrorBody(errors.NewNotFound("agent", "a1"))
	if body.Error.Code != errors.CodeNotFound {
		t.Errorf("code = %q", body.Error.Code)
	}

	body = NewErrorBody(fmt.Errorf("disk on fire"))
	if body.Error.Code != errors.CodeInternal || body.Error.Message != "internal error" {
		t.Errorf("internal errors must not leak: %+v", body)
	}
}

func TestNewPage(t *testing.T) {
	p := NewPage(41, 2, 20)
	if p.TotalPages != 3 || p.Page != 2 || p.Total != 41 {
		t.Errorf("page = %+v", p)
	}
}
