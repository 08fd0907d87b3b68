package models

import "errors"

// Validation errors shared by models.
var (
	ErrMissingBotID      = errors.New("bot id is required")
	ErrMissingSender     = errors.New("sender address is required")
	ErrMissingProvider   = errors.New("provider binding is required")
	ErrUnknownProvider   = errors.New("unknown provider kind")
	ErrMissingSessionKey = errors.New("provider session key is required")
)
