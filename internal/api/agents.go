package api

import (
	"time"

	"github.com/xtxerr/enginedash/internal/bucket"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/metrics"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// MaxSamplesPerBatch bounds POST /api/agents/{id}/metrics.
const MaxSamplesPerBatch = 1000

// =============================================================================
// Requests
// =============================================================================

// CreateAgentRequest is the body of POST /api/agents.
type CreateAgentRequest struct {
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Description  string         `json:"description,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// Validate checks the request.
func (r *CreateAgentRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "name", r.Name, 1, 255)
	validateText(v, "type", r.Type, 1, 64)
	validateText(v, "description", r.Description, 0, 2000)
	for _, c := range r.Capabilities {
		if err := validation.ValidateText(c, 1, 64); err != nil {
			v.AddField("capabilities", err.Error())
			break
		}
	}
	return v.Err()
}

// UpdateAgentRequest is the body of PATCH /api/agents/{id}.
type UpdateAgentRequest struct {
	Name         *string         `json:"name,omitempty"`
	Type         *string         `json:"type,omitempty"`
	Description  *string         `json:"description,omitempty"`
	Status       *string         `json:"status,omitempty"`
	Config       *map[string]any `json:"config,omitempty"`
	Capabilities *[]string       `json:"capabilities,omitempty"`
}

// Validate checks the request.
func (r *UpdateAgentRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateOptionalText(v, "name", r.Name, 1, 255)
	validateOptionalText(v, "type", r.Type, 1, 64)
	validateOptionalText(v, "description", r.Description, 0, 2000)
	validateOptionalEnum(v, "status", r.Status, constants.IsValidAgentStatus)
	return v.Err()
}

// Apply copies the set fields onto a.
func (r *UpdateAgentRequest) Apply(a *store.Agent) {
	if r.Name != nil {
		a.Name = *r.Name
	}
	if r.Type != nil {
		a.Type = *r.Type
	}
	if r.Description != nil {
		a.Description = *r.Description
	}
	if r.Status != nil {
		a.Status = *r.Status
	}
	if r.Config != nil {
		a.Config = *r.Config
	}
	if r.Capabilities != nil {
		a.Capabilities = *r.Capabilities
	}
}

// StartSessionRequest is the body of POST /api/agents/{id}/sessions.
type StartSessionRequest struct {
	SessionType string         `json:"sessionType"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request.
func (r *StartSessionRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "sessionType", r.SessionType, 1, 64)
	return v.Err()
}

// EndSessionRequest is the body of POST /api/agents/{id}/sessions/{sid}/end.
// The counters are optional and describe the work done in the session.
type EndSessionRequest struct {
	Status       string   `json:"status"`
	RequestCount int64    `json:"requestCount,omitempty"`
	TotalTokens  int64    `json:"totalTokens,omitempty"`
	AvgLatency   *float64 `json:"avgLatency,omitempty"`
	ErrorCount   int64    `json:"errorCount,omitempty"`
}

// Validate checks the request. Status defaults to COMPLETED.
func (r *EndSessionRequest) Validate() error {
	if r.Status == "" {
		r.Status = constants.SessionStatusCompleted
	}
	if !constants.IsFinalSessionStatus(r.Status) {
		return errors.NewInvalidValue("status", r.Status, "must be COMPLETED, FAILED or TIMEOUT")
	}

	v := errors.NewValidationErrors()
	if r.RequestCount < 0 {
		v.AddField("requestCount", "must not be negative")
	}
	if r.TotalTokens < 0 {
		v.AddField("totalTokens", "must not be negative")
	}
	if r.ErrorCount < 0 || (r.RequestCount > 0 && r.ErrorCount > r.RequestCount) {
		v.AddField("errorCount", "must be between 0 and requestCount")
	}
	if r.AvgLatency != nil {
		if err := validation.ValidateMetricValue(*r.AvgLatency); err != nil || *r.AvgLatency < 0 {
			v.AddField("avgLatency", "must be a non-negative number")
		}
	}
	return v.Err()
}

// ToSessionEnd converts the request for storage.
func (r *EndSessionRequest) ToSessionEnd() store.SessionEnd {
	return store.SessionEnd{
		Status:       r.Status,
		RequestCount: r.RequestCount,
		TotalTokens:  r.TotalTokens,
		AvgLatencyMs: r.AvgLatency,
		ErrorCount:   r.ErrorCount,
	}
}

// MetricSampleInput is one sample of an ingest batch.
type MetricSampleInput struct {
	MetricType string            `json:"metricType"`
	Value      *float64          `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
}

// IngestMetricsRequest is the body of POST /api/agents/{id}/metrics.
type IngestMetricsRequest struct {
	Samples []MetricSampleInput `json:"samples"`
}

// Validate checks every sample.
func (r *IngestMetricsRequest) Validate() error {
	v := errors.NewValidationErrors()
	if len(r.Samples) == 0 {
		v.AddMissing("samples")
	}
	if len(r.Samples) > MaxSamplesPerBatch {
		v.AddField("samples", "too many samples in one batch")
	}
	for _, s := range r.Samples {
		if err := validation.ValidateMetricType(s.MetricType); err != nil {
			v.AddField("metricType", err.Error())
			break
		}
		if s.Value == nil {
			v.AddMissing("value")
			break
		}
		if err := validation.ValidateMetricValue(*s.Value); err != nil {
			v.AddField("value", err.Error())
			break
		}
		if err := validation.ValidateTags(s.Tags); err != nil {
			v.AddField("tags", err.Error())
			break
		}
	}
	return v.Err()
}

// ToSamples converts the batch for storage. Samples without a timestamp get
// now.
func (r *IngestMetricsRequest) ToSamples(orgID, agentID string, now time.Time) []*store.MetricSample {
	out := make([]*store.MetricSample, 0, len(r.Samples))
	for _, in := range r.Samples {
		ts := now
		if in.Timestamp != nil {
			ts = *in.Timestamp
		}
		out = append(out, &store.MetricSample{
			AgentID:        agentID,
			OrganizationID: orgID,
			MetricType:     in.MetricType,
			Value:          *in.Value,
			Unit:           in.Unit,
			Tags:           in.Tags,
			TimestampMs:    ts.UnixMilli(),
		})
	}
	return out
}

// =============================================================================
// Responses
// =============================================================================

// AgentResponse is the public view of an agent. The request aggregates
// cover ended sessions; avgResponseTime is in milliseconds and successRate
// a percentage.
type AgentResponse struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Description     string         `json:"description"`
	Status          string         `json:"status"`
	Config          map[string]any `json:"config"`
	Capabilities    []string       `json:"capabilities"`
	LastActive      *time.Time     `json:"lastActive"`
	TotalSessions   int64          `json:"totalSessions"`
	TotalRequests   int64          `json:"totalRequests"`
	AvgResponseTime *float64       `json:"avgResponseTime"`
	SuccessRate     *float64       `json:"successRate"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	Version         int            `json:"version"`
}

// FromAgent converts a stored agent.
func FromAgent(a *store.Agent) AgentResponse {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	cfg := a.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return AgentResponse{
		ID:              a.ID,
		Name:            a.Name,
		Type:            a.Type,
		Description:     a.Description,
		Status:          a.Status,
		Config:          cfg,
		Capabilities:    caps,
		LastActive:      a.LastActive,
		TotalSessions:   a.TotalSessions,
		TotalRequests:   a.TotalRequests,
		AvgResponseTime: a.AvgResponseMs,
		SuccessRate:     a.SuccessRate,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		Version:         a.Version,
	}
}

// AgentListResponse is returned by GET /api/agents.
type AgentListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Page
}

// AgentDetailResponse is returned by GET /api/agents/{id}.
type AgentDetailResponse struct {
	AgentResponse
	Sessions []SessionResponse      `json:"sessions"`
	Metrics  []MetricSampleResponse `json:"metrics"`
}

// SessionResponse is the public view of a session.
type SessionResponse struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agentId"`
	UserID       string         `json:"userId,omitempty"`
	User         *SessionUser   `json:"user,omitempty"`
	SessionType  string         `json:"sessionType"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt"`
	DurationMs   *int64         `json:"durationMs"`
	RequestCount int64          `json:"requestCount"`
	TotalTokens  int64          `json:"totalTokens"`
	AvgLatency   *float64       `json:"avgLatency"`
	ErrorCount   int64          `json:"errorCount"`
}

// SessionUser identifies the user who opened a session.
type SessionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// FromSession converts a stored session.
func FromSession(s *store.Session) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		AgentID:      s.AgentID,
		UserID:       s.UserID,
		SessionType:  s.SessionType,
		Status:       s.Status,
		Metadata:     s.Metadata,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		DurationMs:   s.DurationMs,
		RequestCount: s.RequestCount,
		TotalTokens:  s.TotalTokens,
		AvgLatency:   s.AvgLatencyMs,
		ErrorCount:   s.ErrorCount,
	}
	if s.UserID != "" && s.Username != "" {
		resp.User = &SessionUser{ID: s.UserID, Username: s.Username}
	}
	return resp
}

// FromSessions converts a list of sessions.
func FromSessions(in []*store.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(in))
	for _, s := range in {
		out = append(out, FromSession(s))
	}
	return out
}

// SessionListResponse is returned by GET /api/agents/{id}/sessions.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Page
}

// StartSessionResponse carries the new session and the updated agent.
type StartSessionResponse struct {
	Session SessionResponse `json:"session"`
	Agent   AgentResponse   `json:"agent"`
}

// MetricSampleResponse is one raw sample.
type MetricSampleResponse struct {
	MetricType string            `json:"metricType"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FromSamples converts raw samples.
func FromSamples(in []*store.MetricSample) []MetricSampleResponse {
	out := make([]MetricSampleResponse, 0, len(in))
	for _, m := range in {
		out = append(out, MetricSampleResponse{
			MetricType: m.MetricType,
			Value:      m.Value,
			Unit:       m.Unit,
			Tags:       m.Tags,
			Timestamp:  time.UnixMilli(m.TimestampMs).UTC(),
		})
	}
	return out
}

// IngestMetricsResponse is returned by POST /api/agents/{id}/metrics.
type IngestMetricsResponse struct {
	Accepted int `json:"accepted"`
}

// BucketResponse is one chart bucket. Start increases monotonically
// within a series.
type BucketResponse struct {
	Index        int64     `json:"index"`
	AlignedStart time.Time `json:"alignedStart"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Count        int64     `json:"count"`
	Sum          float64   `json:"sum"`
	Mean         *float64  `json:"mean"`
	Min          *float64  `json:"min"`
	Max          *float64  `json:"max"`
	P50          *float64  `json:"p50,omitempty"`
	P90          *float64  `json:"p90,omitempty"`
	P95          *float64  `json:"p95,omitempty"`
	P99          *float64  `json:"p99,omitempty"`
}

// FromBuckets converts engine buckets.
func FromBuckets(in []bucket.Bucket) []BucketResponse {
	out := make([]BucketResponse, len(in))
	for i, b := range in {
		out[i] = BucketResponse{
			Index:        b.Index,
			AlignedStart: b.AlignedStart,
			Start:        b.Start,
			End:          b.End,
			Count:        b.Count,
			Sum:          b.Sum,
			Mean:         b.Mean,
			Min:          b.Min,
			Max:          b.Max,
			P50:          b.P50,
			P90:          b.P90,
			P95:          b.P95,
			P99:          b.P99,
		}
	}
	return out
}

// SeriesResponse is the bucketed data of one metric type.
type SeriesResponse struct {
	MetricType string           `json:"metricType"`
	Unit       string           `json:"unit,omitempty"`
	Buckets    []BucketResponse `json:"buckets"`
}

// MetricSeriesResponse is returned by GET /api/agents/{id}/metrics.
type MetricSeriesResponse struct {
	Metrics   []SeriesResponse `json:"metrics"`
	TimeRange string           `json:"timeRange"`
	Interval  string           `json:"interval"`
	Total     int              `json:"total"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
}

// FromResult converts a metric query result.
func FromResult(res *metrics.Result) MetricSeriesResponse {
	series := make([]SeriesResponse, 0, len(res.Series))
	for _, s := range res.Series {
		series = append(series, SeriesResponse{
			MetricType: s.MetricType,
			Unit:       s.Unit,
			Buckets:    FromBuckets(s.Buckets),
		})
	}
	return MetricSeriesResponse{
		Metrics:   series,
		TimeRange: res.Range.String(),
		Interval:  res.Interval.String(),
		Total:     res.Total,
		Start:     res.Start,
		End:       res.End,
	}
}
