package manager

import (
	"context"
	"fmt"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/notify"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// CodexQuery holds the list filters of GET /api/codex.
type CodexQuery struct {
	Search string
	Status string
	SortBy string
	Page   int
	Limit  int
}

// CodexList is one page of codices.
type CodexList struct {
	Codices []*store.Codex
	Total   int64
	Page    int
	Limit   int
}

// ListCodices returns a page of codices.
func (m *Manager) ListCodices(ctx context.Context, orgID string, q CodexQuery) (*CodexList, error) {
	page, limit, err := validation.Page(q.Page, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidPage)
	}
	if q.Status != "" && !constants.IsValidCodexStatus(q.Status) {
		return nil, errors.NewInvalidValue("status", q.Status, "unknown codex status")
	}
	if q.SortBy == "" {
		q.SortBy = constants.CodexSortRecent
	}
	if !isValidSort(q.SortBy) {
		return nil, errors.NewInvalidValue("sortBy", q.SortBy, "must be recent, forks or title")
	}

	f := store.CodexFilter{
		OrganizationID: orgID,
		Status:         q.Status,
		Query:          q.Search,
		SortBy:         q.SortBy,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	}
	codices, err := m.store.ListCodices(ctx, f)
	if err != nil {
		return nil, err
	}
	total, err := m.store.CountCodices(ctx, f)
	if err != nil {
		return nil, err
	}
	return &CodexList{Codices: codices, Total: total, Page: page, Limit: limit}, nil
}

func isValidSort(s string) bool {
	for _, v := range constants.ValidCodexSorts {
		if v == s {
			return true
		}
	}
	return false
}

// GetCodex returns a codex with all of its children.
func (m *Manager) GetCodex(ctx context.Context, orgID, id string) (*store.Codex, error) {
	return m.store.GetCodexFull(ctx, orgID, id)
}

// CreateCodex creates a codex authored by the caller.
func (m *Manager) CreateCodex(ctx context.Context, orgID, userID string, req *api.CreateCodexRequest) (*store.Codex, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c := &store.Codex{
		OrganizationID: orgID,
		Title:          req.Title,
		Description:    req.Description,
		AuthorID:       userID,
		Status:         req.Status,
		Tags:           req.Tags,
		Collaborators:  []string{userID},
	}
	if err := m.store.CreateCodex(ctx, c); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexCreated, orgID, c.ID, api.FromCodex(c))
	return c, nil
}

// UpdateCodex applies a partial update.
func (m *Manager) UpdateCodex(ctx context.Context, orgID, id string, req *api.UpdateCodexRequest) (*store.Codex, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := m.store.GetCodex(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	req.Apply(c)
	if err := m.store.UpdateCodex(ctx, c); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, c.ID, api.FromCodex(c))
	return c, nil
}

// DeleteCodex removes a codex and its children.
func (m *Manager) DeleteCodex(ctx context.Context, orgID, id string) error {
	if err := m.store.DeleteCodex(ctx, orgID, id); err != nil {
		return err
	}
	m.publish(notify.EventCodexDeleted, orgID, id, nil)
	return nil
}

// ForkCodex copies a codex into a draft owned by the caller.
func (m *Manager) ForkCodex(ctx context.Context, orgID, userID, id string) (*store.Codex, error) {
	fork, err := m.store.ForkCodex(ctx, orgID, id, userID)
	if err != nil {
		return nil, err
	}

	log.Info("codex forked", "org_id", orgID, "source_id", id, "fork_id", fork.ID)
	m.publish(notify.EventCodexForked, orgID, id, map[string]any{"forkId": fork.ID})
	return fork, nil
}

// AddCollaborator adds a user of the organization to a codex. Adding an
// existing collaborator is a no-op.
func (m *Manager) AddCollaborator(ctx context.Context, orgID, id string, req *api.AddCollaboratorRequest) (*store.Codex, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	u, err := m.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if u.OrganizationID != orgID {
		return nil, store.ErrUserNotFound
	}

	c, err := m.store.GetCodex(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	for _, existing := range c.Collaborators {
		if existing == req.UserID {
			return c, nil
		}
	}
	c.Collaborators = append(c.Collaborators, req.UserID)
	if err := m.store.UpdateCodex(ctx, c); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, c.ID, api.FromCodex(c))
	return c, nil
}

// =============================================================================
// Children
// =============================================================================

// requireCodex checks that the codex exists in the organization.
func (m *Manager) requireCodex(ctx context.Context, orgID, id string) error {
	_, err := m.store.GetCodex(ctx, orgID, id)
	return err
}

// AddSymbol adds a symbol to a codex.
func (m *Manager) AddSymbol(ctx context.Context, orgID, codexID string, req *api.AddSymbolRequest) (*store.Symbol, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.requireCodex(ctx, orgID, codexID); err != nil {
		return nil, err
	}

	sym := &store.Symbol{
		CodexID:  codexID,
		Name:     req.Name,
		Meaning:  req.Meaning,
		Visual:   req.Visual,
		Category: req.Category,
	}
	if err := m.store.AddSymbol(ctx, sym); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, codexID, map[string]any{"symbol": api.FromSymbol(sym)})
	return sym, nil
}

// AddRitual adds a ritual with its ordered steps.
func (m *Manager) AddRitual(ctx context.Context, orgID, codexID string, req *api.AddRitualRequest) (*store.Ritual, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.requireCodex(ctx, orgID, codexID); err != nil {
		return nil, err
	}

	r := &store.Ritual{
		CodexID:     codexID,
		Name:        req.Name,
		Description: req.Description,
		Frequency:   req.Frequency,
		Steps:       req.ToSteps(),
	}
	if err := m.store.AddRitual(ctx, r); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, codexID, map[string]any{"ritual": api.FromRitual(r)})
	return r, nil
}

// AddReflection renders and stores a markdown reflection.
func (m *Manager) AddReflection(ctx context.Context, orgID, userID, codexID string, req *api.AddReflectionRequest) (*store.Reflection, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.requireCodex(ctx, orgID, codexID); err != nil {
		return nil, err
	}

	html, err := RenderMarkdown(req.Content)
	if err != nil {
		return nil, err
	}

	r := &store.Reflection{
		CodexID:     codexID,
		AuthorID:    userID,
		Title:       req.Title,
		Content:     req.Content,
		ContentHTML: html,
		Tags:        req.Tags,
	}
	if err := m.store.AddReflection(ctx, r); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, codexID, map[string]any{"reflection": api.FromReflection(r)})
	return r, nil
}

// AddCommandment proposes a commandment.
func (m *Manager) AddCommandment(ctx context.Context, orgID, userID, codexID string, req *api.AddCommandmentRequest) (*store.Commandment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.requireCodex(ctx, orgID, codexID); err != nil {
		return nil, err
	}

	cm := &store.Commandment{
		CodexID:    codexID,
		Text:       req.Text,
		Category:   req.Category,
		Status:     constants.CommandmentStatusProposed,
		ProposedBy: userID,
	}
	if err := m.store.AddCommandment(ctx, cm); err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, codexID, map[string]any{"commandment": api.FromCommandment(cm)})
	return cm, nil
}

// CastVote records the caller's vote, replacing an earlier one.
func (m *Manager) CastVote(ctx context.Context, orgID, userID, codexID, commandmentID string, req *api.VoteRequest) (*store.Commandment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.requireCodex(ctx, orgID, codexID); err != nil {
		return nil, err
	}

	cm, err := m.store.CastVote(ctx, codexID, commandmentID, &store.Vote{
		UserID:    userID,
		Vote:      req.Vote,
		Reasoning: req.Reasoning,
	})
	if err != nil {
		return nil, err
	}

	m.publish(notify.EventCodexUpdated, orgID, codexID, map[string]any{"commandment": api.FromCommandment(cm)})
	return cm, nil
}
