// Package errors contains the error helpers used throughout the sandbox.
// Errors are wrapped with short context strings as they propagate upwards so
// that the final message reads like a stack of operations, e.g.
// "sync: transfer: copy from container: no such container".
package errors

import (
	"fmt"
)

// New returns a new error with the formatted message.
func New(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

type withContext struct {
	context string
	cause   error
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

// Unwrap allows the stdlib errors.Is and errors.As to see through the
// context.
func (err withContext) Unwrap() error {
	return err.cause
}

// WithContext annotates `err` with the given context. It returns nil if
// `err` is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{context: context, cause: err}
}

// RootCause returns the innermost error wrapped by WithContext.
func RootCause(err error) error {
	for {
		wrapped, ok := err.(withContext)
		if !ok {
			return err
		}
		err = wrapped.cause
	}
}

// FriendlyError is an error with a message that's meant to be shown
// directly to users, without any additional context.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates an error whose message is printed as-is to the
// user.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

// GetPrintableMessage returns the message that should be shown to users for
// `err`. Friendly errors anywhere in the chain take precedence over the
// full error string.
func GetPrintableMessage(err error) string {
	for cur := err; cur != nil; {
		if friendly, ok := cur.(FriendlyError); ok {
			return friendly.FriendlyMessage()
		}

		wrapped, ok := cur.(withContext)
		if !ok {
			break
		}
		cur = wrapped.cause
	}
	return err.Error()
}
