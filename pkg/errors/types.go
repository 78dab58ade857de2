package errors

import (
	"fmt"
)

var (
	// ErrSyncInProgress is returned when a sync is requested for a container
	// that's already syncing.
	ErrSyncInProgress = New("sync already in progress")

	// ErrNoRemote is returned when pushing from a shadow repository that has
	// no origin.
	ErrNoRemote = New("No remote origin configured")

	// ErrShadowNotFound is returned when an operation needs a shadow
	// repository that hasn't been created yet.
	ErrShadowNotFound = New("Shadow repository not found")

	// ErrSessionNotFound is returned when a subscriber isn't attached to any
	// session.
	ErrSessionNotFound = New("no active session")
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// CommandError is returned when an external command exits unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (err CommandError) Error() string {
	if err.Output == "" {
		return fmt.Sprintf("%s: exit status %d", err.Command, err.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", err.Command, err.ExitCode, err.Output)
}
