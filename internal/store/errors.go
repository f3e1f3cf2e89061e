package store

import (
	"github.com/xtxerr/enginedash/internal/errors"
)

var (
	ErrNotFound               = errors.ErrNotFound
	ErrAlreadyExists          = errors.ErrAlreadyExists
	ErrConcurrentModification = errors.ErrConcurrentModification
	ErrInUse                  = errors.ErrInUse

	// Entity-specific aliases
	ErrOrganizationNotFound = errors.ErrOrganizationNotFound
	ErrUserNotFound         = errors.ErrUserNotFound
	ErrUserAlreadyExists    = errors.ErrUserAlreadyExists
	ErrAgentNotFound        = errors.ErrAgentNotFound
	ErrSessionNotFound      = errors.ErrSessionNotFound
	ErrSessionEnded         = errors.ErrSessionEnded
	ErrTaskNotFound         = errors.ErrTaskNotFound
	ErrProjectNotFound      = errors.ErrProjectNotFound
	ErrCodexNotFound        = errors.ErrCodexNotFound
	ErrCommandmentNotFound  = errors.ErrCommandmentNotFound
)
