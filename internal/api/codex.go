package api

import (
	"time"

	"github.com/xtxerr/enginedash/internal/constants"
	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/store"
	"github.com/xtxerr/enginedash/internal/validation"
)

// CreateCodexRequest is the body of POST /api/codex.
type CreateCodexRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Validate checks the request. Status defaults to draft.
func (r *CreateCodexRequest) Validate() error {
	if r.Status == "" {
		r.Status = constants.CodexStatusDraft
	}
	v := errors.NewValidationErrors()
	validateText(v, "title", r.Title, 1, 255)
	validateText(v, "description", r.Description, 0, 5000)
	validateEnum(v, "status", r.Status, constants.IsValidCodexStatus)
	validateTagList(v, r.Tags)
	return v.Err()
}

// UpdateCodexRequest is the body of PATCH /api/codex/{id}.
type UpdateCodexRequest struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// Validate checks the request.
func (r *UpdateCodexRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateOptionalText(v, "title", r.Title, 1, 255)
	validateOptionalText(v, "description", r.Description, 0, 5000)
	validateOptionalEnum(v, "status", r.Status, constants.IsValidCodexStatus)
	if r.Tags != nil {
		validateTagList(v, *r.Tags)
	}
	return v.Err()
}

// Apply copies the set fields onto c.
func (r *UpdateCodexRequest) Apply(c *store.Codex) {
	if r.Title != nil {
		c.Title = *r.Title
	}
	if r.Description != nil {
		c.Description = *r.Description
	}
	if r.Status != nil {
		c.Status = *r.Status
	}
	if r.Tags != nil {
		c.Tags = *r.Tags
	}
}

func validateTagList(v *errors.ValidationErrors, tags []string) {
	if len(tags) > validation.MaxTags {
		v.AddField("tags", "too many tags")
		return
	}
	for _, t := range tags {
		if err := validation.ValidateText(t, 1, 64); err != nil {
			v.AddField("tags", err.Error())
			return
		}
	}
}

// AddSymbolRequest is the body of POST /api/codex/{id}/symbols.
type AddSymbolRequest struct {
	Name     string `json:"name"`
	Meaning  string `json:"meaning"`
	Visual   string `json:"visual,omitempty"`
	Category string `json:"category"`
}

// Validate checks the request.
func (r *AddSymbolRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "name", r.Name, 1, 128)
	validateText(v, "meaning", r.Meaning, 1, 2000)
	validateText(v, "visual", r.Visual, 0, 64)
	validateEnum(v, "category", r.Category, constants.IsValidSymbolCategory)
	return v.Err()
}

// RitualStepInput is one step of a new ritual. Steps are numbered in
// request order starting at 1.
type RitualStepInput struct {
	Instruction string `json:"instruction"`
	DurationSec *int   `json:"durationSec,omitempty"`
	Required    *bool  `json:"required,omitempty"`
}

// AddRitualRequest is the body of POST /api/codex/{id}/rituals.
type AddRitualRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Frequency   string            `json:"frequency"`
	Steps       []RitualStepInput `json:"steps"`
}

// Validate checks the request.
func (r *AddRitualRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "name", r.Name, 1, 128)
	validateText(v, "description", r.Description, 0, 2000)
	validateEnum(v, "frequency", r.Frequency, constants.IsValidRitualFrequency)
	if len(r.Steps) == 0 {
		v.AddMissing("steps")
	}
	for _, s := range r.Steps {
		if err := validation.ValidateText(s.Instruction, 1, 1000); err != nil {
			v.AddField("steps.instruction", err.Error())
			break
		}
		if s.DurationSec != nil && *s.DurationSec < 0 {
			v.AddField("steps.durationSec", "must not be negative")
			break
		}
	}
	return v.Err()
}

// ToSteps numbers the steps from 1. Steps are required unless stated.
func (r *AddRitualRequest) ToSteps() []store.RitualStep {
	out := make([]store.RitualStep, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = store.RitualStep{
			Position:    i + 1,
			Instruction: s.Instruction,
			DurationSec: s.DurationSec,
			Required:    s.Required == nil || *s.Required,
		}
	}
	return out
}

// AddReflectionRequest is the body of POST /api/codex/{id}/reflections.
type AddReflectionRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Validate checks the request.
func (r *AddReflectionRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "title", r.Title, 1, 255)
	validateText(v, "content", r.Content, 1, 50000)
	validateTagList(v, r.Tags)
	return v.Err()
}

// AddCommandmentRequest is the body of POST /api/codex/{id}/commandments.
type AddCommandmentRequest struct {
	Text     string `json:"text"`
	Category string `json:"category"`
}

// Validate checks the request.
func (r *AddCommandmentRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateText(v, "text", r.Text, 1, 1000)
	validateEnum(v, "category", r.Category, constants.IsValidCommandmentCategory)
	return v.Err()
}

// VoteRequest is the body of POST /api/codex/{id}/commandments/{cid}/votes.
type VoteRequest struct {
	Vote      string `json:"vote"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Validate checks the request.
func (r *VoteRequest) Validate() error {
	v := errors.NewValidationErrors()
	validateEnum(v, "vote", r.Vote, constants.IsValidVote)
	validateText(v, "reasoning", r.Reasoning, 0, 2000)
	return v.Err()
}

// AddCollaboratorRequest is the body of POST /api/codex/{id}/collaborators.
type AddCollaboratorRequest struct {
	UserID string `json:"userId"`
}

// Validate checks the request.
func (r *AddCollaboratorRequest) Validate() error {
	if r.UserID == "" {
		return errors.NewMissingField("userId")
	}
	if err := validation.ValidateID(r.UserID); err != nil {
		return errors.NewValidation("userId", err.Error())
	}
	return nil
}

// =============================================================================
// Responses
// =============================================================================

// CodexResponse is the public view of a codex. The child collections are
// present only on the detail endpoint.
type CodexResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	AuthorID      string    `json:"authorId"`
	Status        string    `json:"status"`
	Forks         int64     `json:"forks"`
	ForkedFrom    *string   `json:"forkedFrom"`
	Tags          []string  `json:"tags"`
	Collaborators []string  `json:"collaborators"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Version       int       `json:"version"`

	Symbols      []SymbolResponse      `json:"symbols,omitempty"`
	Rituals      []RitualResponse      `json:"rituals,omitempty"`
	Reflections  []ReflectionResponse  `json:"reflections,omitempty"`
	Commandments []CommandmentResponse `json:"commandments,omitempty"`
}

// FromCodex converts a stored codex with whatever children it carries.
func FromCodex(c *store.Codex) CodexResponse {
	out := CodexResponse{
		ID:            c.ID,
		Title:         c.Title,
		Description:   c.Description,
		AuthorID:      c.AuthorID,
		Status:        c.Status,
		Forks:         c.Forks,
		ForkedFrom:    c.ForkedFrom,
		Tags:          nonNil(c.Tags),
		Collaborators: nonNil(c.Collaborators),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Version:       c.Version,
	}
	for _, s := range c.Symbols {
		out.Symbols = append(out.Symbols, FromSymbol(s))
	}
	for _, r := range c.Rituals {
		out.Rituals = append(out.Rituals, FromRitual(r))
	}
	for _, r := range c.Reflections {
		out.Reflections = append(out.Reflections, FromReflection(r))
	}
	for _, cm := range c.Commandments {
		out.Commandments = append(out.Commandments, FromCommandment(cm))
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// CodexListResponse is returned by GET /api/codex.
type CodexListResponse struct {
	Codices []CodexResponse `json:"codices"`
	Page
}

// SymbolResponse is the public view of a symbol.
type SymbolResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Meaning    string    `json:"meaning"`
	Visual     string    `json:"visual,omitempty"`
	Category   string    `json:"category"`
	UsageCount int64     `json:"usageCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FromSymbol converts a stored symbol.
func FromSymbol(s *store.Symbol) SymbolResponse {
	return SymbolResponse{
		ID: s.ID, Name: s.Name, Meaning: s.Meaning, Visual: s.Visual,
		Category: s.Category, UsageCount: s.UsageCount, CreatedAt: s.CreatedAt,
	}
}

// RitualStepResponse is one ritual step.
type RitualStepResponse struct {
	Position    int    `json:"position"`
	Instruction string `json:"instruction"`
	DurationSec *int   `json:"durationSec,omitempty"`
	Required    bool   `json:"required"`
}

// RitualResponse is the public view of a ritual.
type RitualResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Frequency   string               `json:"frequency"`
	Steps       []RitualStepResponse `json:"steps"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// FromRitual converts a stored ritual.
func FromRitual(r *store.Ritual) RitualResponse {
	steps := make([]RitualStepResponse, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = RitualStepResponse{Position: s.Position, Instruction: s.Instruction, DurationSec: s.DurationSec, Required: s.Required}
	}
	return RitualResponse{
		ID: r.ID, Name: r.Name, Description: r.Description,
		Frequency: r.Frequency, Steps: steps, CreatedAt: r.CreatedAt,
	}
}

// ReflectionResponse is the public view of a reflection.
type ReflectionResponse struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"authorId"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContentHTML string    `json:"contentHtml"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FromReflection converts a stored reflection.
func FromReflection(r *store.Reflection) ReflectionResponse {
	return ReflectionResponse{
		ID: r.ID, AuthorID: r.AuthorID, Title: r.Title, Content: r.Content,
		ContentHTML: r.ContentHTML, Tags: nonNil(r.Tags), CreatedAt: r.CreatedAt,
	}
}

// VoteResponse is one vote.
type VoteResponse struct {
	UserID    string    `json:"userId"`
	Vote      string    `json:"vote"`
	Reasoning string    `json:"reasoning,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CommandmentResponse is the public view of a commandment with its tally.
type CommandmentResponse struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Category   string         `json:"category"`
	Status     string         `json:"status"`
	ProposedBy string         `json:"proposedBy"`
	Votes      []VoteResponse `json:"votes"`
	Tally      map[string]int `json:"tally"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// FromCommandment converts a stored commandment and tallies its votes.
func FromCommandment(cm *store.Commandment) CommandmentResponse {
	votes := make([]VoteResponse, 0, len(cm.Votes))
	tally := map[string]int{constants.VoteAgree: 0, constants.VoteDisagree: 0, constants.VoteAbstain: 0}
	for _, v := range cm.Votes {
		votes = append(votes, VoteResponse{UserID: v.UserID, Vote: v.Vote, Reasoning: v.Reasoning, CreatedAt: v.CreatedAt})
		tally[v.Vote]++
	}
	return CommandmentResponse{
		ID: cm.ID, Text: cm.Text, Category: cm.Category, Status: cm.Status,
		ProposedBy: cm.ProposedBy, Votes: votes, Tally: tally,
		CreatedAt: cm.CreatedAt, UpdatedAt: cm.UpdatedAt,
	}
}
