// Package api defines the JSON request and response bodies of the HTTP
// API.
//
// Requests carry a Validate method that checks required fields, lengths and
// enumerations at the boundary, collecting every problem into one
// ValidationErrors. Optional fields of partial updates are pointers: nil
// means "leave unchanged".
package api

import (
	"time"

	"github.com/xtxerr/enginedash/internal/errors"
	"github.com/xtxerr/enginedash/internal/validation"
)

// ErrorBody is the body of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a human readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorBody builds the response body for err.
func NewErrorBody(err error) ErrorBody {
	code := errors.ErrorToCode(err)
	msg := err.Error()
	if code == errors.CodeInternal {
		msg = "internal error"
	}
	return ErrorBody{Error: ErrorDetail{Code: code, Message: msg}}
}

// Page is the pagination envelope shared by list responses.
type Page struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	TotalPages int   `json:"totalPages"`
}

// NewPage computes the pagination envelope.
func NewPage(total int64, page, limit int) Page {
	return Page{Total: total, Page: page, TotalPages: validation.TotalPages(total, limit)}
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

// InfoResponse is returned by GET /.
type InfoResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// OverviewResponse is returned by GET /api/dashboard/overview.
type OverviewResponse struct {
	Agents      map[string]int64 `json:"agents"`
	Tasks       map[string]int64 `json:"tasks"`
	Codices     map[string]int64 `json:"codices"`
	TotalAgents int64            `json:"totalAgents"`
	TotalTasks  int64            `json:"totalTasks"`
	TotalCodex  int64            `json:"totalCodices"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

func validateText(v *errors.ValidationErrors, field, s string, minLen, maxLen int) {
	if err := validation.ValidateText(s, minLen, maxLen); err != nil {
		if minLen > 0 && s == "" {
			v.AddMissing(field)
			return
		}
		v.AddField(field, err.Error())
	}
}

func validateOptionalText(v *errors.ValidationErrors, field string, s *string, minLen, maxLen int) {
	if s != nil {
		validateText(v, field, *s, minLen, maxLen)
	}
}

func validateEnum(v *errors.ValidationErrors, field, s string, ok func(string) bool) {
	if s == "" {
		v.AddMissing(field)
	} else if !ok(s) {
		v.Add(errors.NewInvalidValue(field, s, "unknown value"))
	}
}

func validateOptionalEnum(v *errors.ValidationErrors, field string, s *string, ok func(string) bool) {
	if s != nil {
		validateEnum(v, field, *s, ok)
	}
}
