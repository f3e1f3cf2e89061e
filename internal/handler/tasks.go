package handler

import (
	"net/http"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/manager"
	"github.com/xtxerr/enginedash/internal/store"
)

func (h *Handler) registerTaskRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", withOrg(h.listTasks))
	mux.HandleFunc("POST /api/tasks", withOrg(h.createTask))
	mux.HandleFunc("GET /api/tasks/{id}", withOrg(h.getTask))
	mux.HandleFunc("PATCH /api/tasks/{id}", withOrg(h.updateTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", withOrg(h.deleteTask))
	mux.HandleFunc("POST /api/tasks/{id}/actions/{action}", withOrg(h.taskAction))
	mux.HandleFunc("PATCH /api/tasks/{id}/progress", withOrg(h.updateProgress))
	mux.HandleFunc("POST /api/tasks/{id}/logs", withOrg(h.appendTaskLog))

	mux.HandleFunc("GET /api/projects", withOrg(h.listProjects))
	mux.HandleFunc("POST /api/projects", withOrg(h.createProject))
	mux.HandleFunc("GET /api/projects/{id}", withOrg(h.getProject))
}

// =============================================================================
// Tasks
// =============================================================================

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	page, limit, err := pageQuery(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	list, err := h.mgr.ListTasks(r.Context(), rc.OrgID, manager.TaskQuery{
		Status:    q.Get("status"),
		Type:      q.Get("type"),
		AgentID:   q.Get("agentId"),
		ProjectID: q.Get("projectId"),
		Search:    q.Get("q"),
		DateRange: q.Get("dateRange"),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, api.TaskListResponse{
		Tasks: fromTasks(list.Tasks),
		Page:  api.NewPage(list.Total, list.Page, list.Limit),
	})
	return nil
}

func fromTasks(in []*store.Task) []api.TaskResponse {
	out := make([]api.TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, api.FromTask(t))
	}
	return out
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	d, err := h.mgr.GetTask(r.Context(), rc.OrgID, r.PathValue("id"))
	if err != nil {
		return err
	}
	logs := make([]api.TaskLogResponse, 0, len(d.Logs))
	for _, l := range d.Logs {
		logs = append(logs, api.FromTaskLog(l))
	}
	writeJSON(w, http.StatusOK, api.TaskDetailResponse{TaskResponse: api.FromTask(d.Task), Logs: logs})
	return nil
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.CreateTaskRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	t, err := h.mgr.CreateTask(r.Context(), rc.OrgID, rc.UserID(), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromTask(t))
	return nil
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.UpdateTaskRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	t, err := h.mgr.UpdateTask(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromTask(t))
	return nil
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	if err := h.mgr.DeleteTask(r.Context(), rc.OrgID, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) taskAction(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	t, err := h.mgr.ApplyTaskAction(r.Context(), rc.OrgID, r.PathValue("id"), r.PathValue("action"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromTask(t))
	return nil
}

func (h *Handler) updateProgress(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.UpdateProgressRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	t, err := h.mgr.UpdateProgress(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromTask(t))
	return nil
}

func (h *Handler) appendTaskLog(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.AppendLogRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	l, err := h.mgr.AppendTaskLog(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromTaskLog(l))
	return nil
}

// =============================================================================
// Projects
// =============================================================================

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	projects, err := h.mgr.ListProjects(r.Context(), rc.OrgID)
	if err != nil {
		return err
	}
	resp := api.ProjectListResponse{Projects: make([]api.ProjectResponse, 0, len(projects))}
	for _, p := range projects {
		resp.Projects = append(resp.Projects, api.FromProject(p))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	p, err := h.mgr.GetProject(r.Context(), rc.OrgID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromProject(p))
	return nil
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.CreateProjectRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	p, err := h.mgr.CreateProject(r.Context(), rc.OrgID, &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromProject(p))
	return nil
}
