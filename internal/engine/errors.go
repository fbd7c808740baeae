package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by StopBot when the bot has no live runtime state.
	// Callers treat it as "already stopped".
	ErrNotRunning = errors.New("bot is not running")

	// ErrStopping is returned by StartBot while a stop for the same bot is in progress
	ErrStopping = errors.New("bot is stopping")

	// ErrArchived is returned when starting an archived bot
	ErrArchived = errors.New("bot is archived")

	ErrInvalidBotSpec = errors.New("invalid bot spec")
)

// CredentialsError means no exchange could be resolved for the bot owner
type CredentialsError struct {
	UserID string
	Err    error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("exchange credentials for user %s: %v", e.UserID, e.Err)
}

func (e *CredentialsError) Unwrap() error {
	return e.Err
}

// IsCredentialsError reports whether err is or wraps a CredentialsError
func IsCredentialsError(err error) bool {
	var ce *CredentialsError
	return errors.As(err, &ce)
}
