package session

import "errors"

var (
	ErrAlreadyExists  = errors.New("session already exists")
	ErrNotFound       = errors.New("session not found")
	ErrNotInitialized = errors.New("session not initialized")
	ErrValidation     = errors.New("validation failed")
	ErrShuttingDown   = errors.New("session manager shutting down")
	ErrNotConnected   = errors.New("session not connected")
	ErrInternal       = errors.New("internal session error")
)
