// Package constants provides centralized domain-specific constants
// for the entire enginedash application.
//
// Enumerated values are stored and transmitted as these exact strings.
package constants

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// Agent Status
// =============================================================================

const (
	// AgentStatusIdle indicates the agent has no active session
	AgentStatusIdle = "IDLE"

	// AgentStatusBusy indicates the agent is running at least one session
	AgentStatusBusy = "BUSY"

	// AgentStatusError indicates the agent reported a fault
	AgentStatusError = "ERROR"

	// AgentStatusOffline indicates the agent is unreachable
	AgentStatusOffline = "OFFLINE"
)

// ValidAgentStatuses contains all valid agent status values
var ValidAgentStatuses = []string{AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusOffline}

// IsValidAgentStatus checks if a status is valid
func IsValidAgentStatus(s string) bool { return contains(ValidAgentStatuses, s) }

// =============================================================================
// Session Status
// =============================================================================

const (
	SessionStatusActive    = "ACTIVE"
	SessionStatusCompleted = "COMPLETED"
	SessionStatusFailed    = "FAILED"
	SessionStatusTimeout   = "TIMEOUT"
)

// ValidSessionStatuses contains all valid session status values
var ValidSessionStatuses = []string{SessionStatusActive, SessionStatusCompleted, SessionStatusFailed, SessionStatusTimeout}

// IsValidSessionStatus checks if a status is valid
func IsValidSessionStatus(s string) bool { return contains(ValidSessionStatuses, s) }

// IsFinalSessionStatus reports whether s ends a session.
func IsFinalSessionStatus(s string) bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusTimeout
}

// =============================================================================
// Task Types, Statuses, Priorities
// =============================================================================

const (
	TaskTypeScaffold       = "scaffold"
	TaskTypeCodeGeneration = "code-generation"
	TaskTypeTesting        = "testing"
	TaskTypeDeployment     = "deployment"
	TaskTypeCustom         = "custom"
)

// ValidTaskTypes contains all valid task types
var ValidTaskTypes = []string{TaskTypeScaffold, TaskTypeCodeGeneration, TaskTypeTesting, TaskTypeDeployment, TaskTypeCustom}

// IsValidTaskType checks if a task type is valid
func IsValidTaskType(s string) bool { return contains(ValidTaskTypes, s) }

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// ValidTaskStatuses contains all valid task statuses
var ValidTaskStatuses = []string{
	TaskStatusPending, TaskStatusRunning, TaskStatusPaused,
	TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
}

// IsValidTaskStatus checks if a task status is valid
func IsValidTaskStatus(s string) bool { return contains(ValidTaskStatuses, s) }

const (
	TaskPriorityLow      = "low"
	TaskPriorityMedium   = "medium"
	TaskPriorityHigh     = "high"
	TaskPriorityCritical = "critical"
)

// ValidTaskPriorities contains all valid task priorities
var ValidTaskPriorities = []string{TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical}

// IsValidTaskPriority checks if a priority is valid
func IsValidTaskPriority(s string) bool { return contains(ValidTaskPriorities, s) }

// =============================================================================
// Task Actions
// =============================================================================

const (
	TaskActionStart    = "start"
	TaskActionPause    = "pause"
	TaskActionRetry    = "retry"
	TaskActionCancel   = "cancel"
	TaskActionComplete = "complete"
	TaskActionFail     = "fail"
)

// TaskTransitions maps an action to the statuses it may start from and the
// status it produces.
var TaskTransitions = map[string]struct {
	From []string
	To   string
}{
	TaskActionStart:    {From: []string{TaskStatusPending, TaskStatusPaused}, To: TaskStatusRunning},
	TaskActionPause:    {From: []string{TaskStatusRunning}, To: TaskStatusPaused},
	TaskActionRetry:    {From: []string{TaskStatusFailed, TaskStatusCancelled}, To: TaskStatusPending},
	TaskActionCancel:   {From: []string{TaskStatusPending, TaskStatusRunning, TaskStatusPaused}, To: TaskStatusCancelled},
	TaskActionComplete: {From: []string{TaskStatusRunning}, To: TaskStatusCompleted},
	TaskActionFail:     {From: []string{TaskStatusRunning}, To: TaskStatusFailed},
}

// NextTaskStatus returns the status reached by applying action to from.
// ok is false for unknown actions and disallowed transitions.
func NextTaskStatus(from, action string) (to string, ok bool) {
	tr, known := TaskTransitions[action]
	if !known || !contains(tr.From, from) {
		return "", false
	}
	return tr.To, true
}

// IsValidTaskAction checks if an action name is known
func IsValidTaskAction(s string) bool {
	_, ok := TaskTransitions[s]
	return ok
}

// =============================================================================
// Log Levels
// =============================================================================

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ValidLogLevels contains all valid task log levels
var ValidLogLevels = []string{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError}

// IsValidLogLevel checks if a log level is valid
func IsValidLogLevel(s string) bool { return contains(ValidLogLevels, s) }

// =============================================================================
// Codex
// =============================================================================

const (
	CodexStatusDraft    = "draft"
	CodexStatusActive   = "active"
	CodexStatusSacred   = "sacred"
	CodexStatusArchived = "archived"
)

// ValidCodexStatuses contains all valid codex statuses
var ValidCodexStatuses = []string{CodexStatusDraft, CodexStatusActive, CodexStatusSacred, CodexStatusArchived}

// IsValidCodexStatus checks if a codex status is valid
func IsValidCodexStatus(s string) bool { return contains(ValidCodexStatuses, s) }

// ValidSymbolCategories contains the codex symbol categories
var ValidSymbolCategories = []string{"awakening", "wisdom", "practice", "community"}

// IsValidSymbolCategory checks if a symbol category is valid
func IsValidSymbolCategory(s string) bool { return contains(ValidSymbolCategories, s) }

// ValidRitualFrequencies contains the ritual frequencies
var ValidRitualFrequencies = []string{"daily", "weekly", "monthly", "as-needed"}

// IsValidRitualFrequency checks if a ritual frequency is valid
func IsValidRitualFrequency(s string) bool { return contains(ValidRitualFrequencies, s) }

// ValidCommandmentCategories contains the commandment categories
var ValidCommandmentCategories = []string{"technical", "ethical", "spiritual", "community"}

// IsValidCommandmentCategory checks if a commandment category is valid
func IsValidCommandmentCategory(s string) bool { return contains(ValidCommandmentCategories, s) }

const (
	CommandmentStatusProposed = "proposed"
	CommandmentStatusDebated  = "debated"
	CommandmentStatusAccepted = "accepted"
	CommandmentStatusRejected = "rejected"
)

const (
	VoteAgree    = "agree"
	VoteDisagree = "disagree"
	VoteAbstain  = "abstain"
)

// ValidVotes contains the accepted vote values
var ValidVotes = []string{VoteAgree, VoteDisagree, VoteAbstain}

// IsValidVote checks if a vote value is valid
func IsValidVote(s string) bool { return contains(ValidVotes, s) }

const (
	CodexSortRecent = "recent"
	CodexSortForks  = "forks"
	CodexSortTitle  = "title"
)

// ValidCodexSorts contains the accepted codex sort keys
var ValidCodexSorts = []string{CodexSortRecent, CodexSortForks, CodexSortTitle}

// =============================================================================
// Dashboard Views
// =============================================================================

const (
	ViewAgentOps = "agentops"
	ViewCodex    = "codex"
	ViewUnified  = "unified"
)

// ValidViews contains all dashboard views
var ValidViews = []string{ViewAgentOps, ViewCodex, ViewUnified}

// IsValidView checks if a view is valid
func IsValidView(s string) bool { return contains(ValidViews, s) }

// =============================================================================
// Task Date Ranges
// =============================================================================

const (
	DateRangeToday = "today"
	DateRangeWeek  = "week"
	DateRangeMonth = "month"
	DateRangeAll   = "all"
)

// ValidDateRanges contains the accepted task list date ranges
var ValidDateRanges = []string{DateRangeToday, DateRangeWeek, DateRangeMonth, DateRangeAll}

// IsValidDateRange checks if a date range is valid
func IsValidDateRange(s string) bool { return contains(ValidDateRanges, s) }

// =============================================================================
// Metric Defaults
// =============================================================================

const (
	// MetricTypeHealth is recorded when an agent is created
	MetricTypeHealth = "health"

	// UnitPercentage is the unit of the health metric
	UnitPercentage = "percentage"
)

// =============================================================================
// Roles
// =============================================================================

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// ValidRoles contains all valid user roles
var ValidRoles = []string{RoleAdmin, RoleMember}

// IsValidRole checks if a role is valid
func IsValidRole(s string) bool { return contains(ValidRoles, s) }
