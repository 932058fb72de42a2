// Package apperr defines the error kinds returned by the scheduling engine and
// their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/multierr"
)

// ValidationError is returned before any write when a request is malformed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field level problem.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// OrNil returns nil when no field problem was recorded, so callers can
// `return v.OrNil()` without producing a typed-nil error.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// NotFoundError reports a missing entity or one that lives in another tenant.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource string, id fmt.Stringer) error {
	return &NotFoundError{Resource: resource, ID: id.String()}
}

// ConflictError reports an overlap, an already claimed offer or a duplicate.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// StateError reports a transition that the current state does not allow.
type StateError struct {
	Resource string
	State    string
	Action   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %q", e.Action, e.Resource, e.State)
}

// PartialBatchFailure is returned by batch jobs when some items failed or were
// left unprocessed while the rest completed.
type PartialBatchFailure struct {
	Job         string
	Failed      []string
	Unprocessed []string
	Cause       error
}

func (e *PartialBatchFailure) Error() string {
	msg := fmt.Sprintf("%s: %d failed, %d unprocessed", e.Job, len(e.Failed), len(e.Unprocessed))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes each aggregated cause to errors.Is / errors.As.
func (e *PartialBatchFailure) Unwrap() []error {
	return multierr.Errors(e.Cause)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

func IsState(err error) bool {
	var v *StateError
	return errors.As(err, &v)
}

func IsPartial(err error) bool {
	var v *PartialBatchFailure
	return errors.As(err, &v)
}

// HTTPError converts err into the echo error the handlers return.
func HTTPError(err error) *echo.HTTPError {
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *ConflictError
		se *StateError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":  "validation_failed",
			"fields": ve.Fields,
		})
	case errors.As(err, &ne):
		return echo.NewHTTPError(http.StatusNotFound, ne.Error())
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusConflict, ce.Error())
	case errors.As(err, &se):
		return echo.NewHTTPError(http.StatusConflict, se.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
