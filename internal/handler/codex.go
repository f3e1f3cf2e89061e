package handler

import (
	"net/http"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/manager"
)

func (h *Handler) registerCodexRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/codex", withOrg(h.listCodices))
	mux.HandleFunc("POST /api/codex", withOrg(h.createCodex))
	mux.HandleFunc("GET /api/codex/{id}", withOrg(h.getCodex))
	mux.HandleFunc("PATCH /api/codex/{id}", withOrg(h.updateCodex))
	mux.HandleFunc("DELETE /api/codex/{id}", withOrg(h.deleteCodex))
	mux.HandleFunc("POST /api/codex/{id}/fork", withOrg(h.forkCodex))
	mux.HandleFunc("POST /api/codex/{id}/collaborators", withOrg(h.addCollaborator))

	mux.HandleFunc("POST /api/codex/{id}/symbols", withOrg(h.addSymbol))
	mux.HandleFunc("POST /api/codex/{id}/rituals", withOrg(h.addRitual))
	mux.HandleFunc("POST /api/codex/{id}/reflections", withOrg(h.addReflection))
	mux.HandleFunc("POST /api/codex/{id}/commandments", withOrg(h.addCommandment))
	mux.HandleFunc("POST /api/codex/{id}/commandments/{cid}/votes", withOrg(h.castVote))
}

func (h *Handler) listCodices(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	page, limit, err := pageQuery(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	list, err := h.mgr.ListCodices(r.Context(), rc.OrgID, manager.CodexQuery{
		Search: q.Get("q"),
		Status: q.Get("status"),
		SortBy: q.Get("sortBy"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	resp := api.CodexListResponse{
		Codices: make([]api.CodexResponse, 0, len(list.Codices)),
		Page:    api.NewPage(list.Total, list.Page, list.Limit),
	}
	for _, c := range list.Codices {
		resp.Codices = append(resp.Codices, api.FromCodex(c))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) getCodex(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	c, err := h.mgr.GetCodex(r.Context(), rc.OrgID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromCodex(c))
	return nil
}

func (h *Handler) createCodex(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.CreateCodexRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	c, err := h.mgr.CreateCodex(r.Context(), rc.OrgID, rc.UserID(), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromCodex(c))
	return nil
}

func (h *Handler) updateCodex(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.UpdateCodexRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	c, err := h.mgr.UpdateCodex(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromCodex(c))
	return nil
}

func (h *Handler) deleteCodex(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	if err := h.mgr.DeleteCodex(r.Context(), rc.OrgID, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) forkCodex(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	c, err := h.mgr.ForkCodex(r.Context(), rc.OrgID, rc.UserID(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromCodex(c))
	return nil
}

func (h *Handler) addCollaborator(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.AddCollaboratorRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	c, err := h.mgr.AddCollaborator(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromCodex(c))
	return nil
}

// =============================================================================
// Children
// =============================================================================

func (h *Handler) addSymbol(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.AddSymbolRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	s, err := h.mgr.AddSymbol(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromSymbol(s))
	return nil
}

func (h *Handler) addRitual(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.AddRitualRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	rt, err := h.mgr.AddRitual(r.Context(), rc.OrgID, r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromRitual(rt))
	return nil
}

func (h *Handler) addReflection(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.AddReflectionRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	ref, err := h.mgr.AddReflection(r.Context(), rc.OrgID, rc.UserID(), r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromReflection(ref))
	return nil
}

func (h *Handler) addCommandment(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.AddCommandmentRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	cm, err := h.mgr.AddCommandment(r.Context(), rc.OrgID, rc.UserID(), r.PathValue("id"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, api.FromCommandment(cm))
	return nil
}

func (h *Handler) castVote(w http.ResponseWriter, r *http.Request, rc *RequestContext) error {
	var req api.VoteRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	cm, err := h.mgr.CastVote(r.Context(), rc.OrgID, rc.UserID(), r.PathValue("id"), r.PathValue("cid"), &req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.FromCommandment(cm))
	return nil
}
