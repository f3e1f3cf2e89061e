package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/metrics"
)

func (h *Handler) registerAgentRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", withOrg(h.listAgents))
	mux.HandleFunc("POST /api/agents", withOrg(h.createAgent))
	mux.HandleFunc("GET /api/agents/{id}", withOrg(h.getAgent))
	mux.HandleFunc("PATCH /api/agents/{id}", withOrg(h.updateAgent))
	mux.HandleFunc("DELETE /api/agents/{id}", withOrg(h.deleteAgent))

	mux.HandleFunc("GET /api/agents/{id}/sessions", withOrg(h.listSessions))
	mux.HandleFunc("POST /api/agents/{id}/sessions", withOrg(h.startSession))
	mux.HandleFunc("POST /api/agents/{id}/sessions/{sid}/end", withOrg(h.endSession))

	mux.HandleFunc("GET /api/agents/{id}/metrics", withOrg(h.queryMetrics))
	mux.HandleFunc("POST /api/agents/{id}/metrics", withOrg(h.ingestMetrics))
}

// =============================================================================
// Agents
// =============================================================================

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	page, limit, err := pageQuery(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	list, err := h.mgr.ListAgents(r.Context(), rc.OrgID, q.Get("status"), q.Get("type"), page, limit)
	if err != nil {
		return err
	}

	resp := api.AgentListResponse{
		Agents: make([]api.AgentResponse, 0, len(list.Agents)),
		Page:   api.NewPage(list.Total, list.Page, list.Limit),
	}
	for _, a := range list.Agents {
		resp.Agents = append(resp.Agents, api.FromAgent(a))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	d, err := h.mgr.GetAgent(r.Context(), rc.OrgID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.AgentDetailResponse{
		AgentResponse: api.FromAgent(d.Agent),
		Sessions:      api.FromSessions(d.Sessions),
		Metrics:       api.FromSamples(d.Metrics),
	})
	return nil
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.CreateAgentRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	a, err := h.mgr.CreateAgent(r.Context(), rc.OrgID, &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromAgent(a))
	return nil
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.UpdateAgentRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	a, err := h.mgr.UpdateAgent(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromAgent(a))
	return nil
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	if err := h.mgr.DeleteAgent(r.Context(), rc.OrgID, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	page, limit, err := pageQuery(r)
	if err != nil {
		return err
	}
	list, err := h.mgr.ListSessions(r.Context(), rc.OrgID, r.PathValue("id"), r.URL.Query().Get("status"), page, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.SessionListResponse{
		Sessions: api.FromSessions(list.Sessions),
		Page:     api.NewPage(list.Total, list.Page, list.Limit),
	})
	return nil
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.StartSessionRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	sess, agent, err := h.mgr.StartSession(r.Context(), rc.OrgID, rc.UserID(), r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.StartSessionResponse{
		Session: api.FromSession(sess),
		Agent:   api.FromAgent(agent),
	})
	return nil
}

// endSession accepts an empty body, which ends the session as COMPLETED.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.EndSessionRequest
	if r.ContentLength != 0 {
		if err := h.decode(w, r, &req); err != nil {
			return err
		}
	}
	sess, err := h.mgr.EndSession(r.Context(), rc.OrgID, r.PathValue("id"), r.PathValue("sid"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromSession(sess))
	return nil
}

// =============================================================================
// Metrics
// =============================================================================

func (h *Handler) ingestMetrics(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.IngestMetricsRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	n, err := h.mgr.IngestMetrics(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, api.IngestMetricsResponse{Accepted: n})
	return nil
}

// parseMetricQuery reads metricType, timeRange, interval and percentiles.
func parseMetricQuery(r *http.Request, agentID string) (metrics.MetricQuery, error) {
	q := r.URL.Query()
	mq := metrics.MetricQuery{AgentID: agentID, MetricType: q.Get("metricType")}

	v := errors.NewValidationErrors()
	rng, err := metrics.ParseTimeRange(q.Get("timeRange"))
	v.Add(err)
	mq.Range = rng

	if s := q.Get("interval"); s != "" {
		iv, err := metrics.ParseInterval(s)
		v.Add(err)
		mq.Interval = &iv
	}
	if s := q.Get("percentiles"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			v.Add(errors.NewInvalidValue("percentiles", s, "must be a boolean"))
		}
		mq.Percentiles = b
	}
	return mq, v.Err()
}

// queryMetrics answers with the bucketed series. The response carries a
// content ETag; a matching If-None-Match gets 304.
func (h *Handler) queryMetrics(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	mq, err := parseMetricQuery(r, r.PathValue("id"))
	if err != nil {
		return err
	}
	res, err := h.mgr.QueryMetrics(r.Context(), rc.OrgID, mq)
	if err != nil {
		return err
	}

	w.Header().Set("ETag", res.ETag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	writeJSON(w, http.StatusOK, api.FromResult(res))
	return nil
}

// etagMatches reports whether an If-None-Match header lists tag.
func etagMatches(header, tag string) bool {
	if header == "" || tag == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == tag {
			return true
		}
	}
	return false
}
