// Package errors defines the error taxonomy shared by the queue and the sync engine.
// Handlers report failures through these types; the lease manager alone decides
// whether a failure is retried or dead-lettered.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient is retried with backoff
	CategoryTransient ErrorCategory = "transient"
	// CategoryFatal is dead-lettered without further attempts
	CategoryFatal ErrorCategory = "fatal"
	// CategoryValidation is a fatal payload or input problem
	CategoryValidation ErrorCategory = "validation"
	// CategoryDatabase wraps store failures; retryability follows the cause
	CategoryDatabase ErrorCategory = "database"
	// CategoryNotFound means the row is missing or the caller does not hold its lease
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents a state conflict such as a watermark moving backwards
	CategoryConflict ErrorCategory = "conflict"
)

// Class is the retry decision derived from an error.
type Class string

const (
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// Sentinels matched with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrWatermarkRegression = errors.New("watermark regression")
)

// CategorizedError represents an error with a category and a stable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match the package sentinels by category.
func (e *CategorizedError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Category == CategoryNotFound
	case ErrWatermarkRegression:
		return e.Code == "WATERMARK_REGRESSION"
	}
	return false
}

// NewTransientError marks a failure as retryable.
func NewTransientError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryTransient,
		Code:     "TRANSIENT",
		Message:  message,
		Cause:    cause,
	}
}

// NewFatalError marks a failure as not retryable.
func NewFatalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryFatal,
		Code:     "FATAL",
		Message:  message,
		Cause:    cause,
	}
}

// NewValidationError creates a fatal payload validation error
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "INVALID_PAYLOAD",
		Message:  fmt.Sprintf("invalid field '%s': %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDatabase,
		Code:     "DATABASE_ERROR",
		Message:  fmt.Sprintf("database error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewWatermarkRegressionError reports an attempt to move a cursor backwards.
func NewWatermarkRegressionError(table, direction string, current, proposed int64) *CategorizedError {
	return &CategorizedError{
		Category: CategoryConflict,
		Code:     "WATERMARK_REGRESSION",
		Message:  fmt.Sprintf("watermark for %s/%s cannot move from %d to %d", table, direction, current, proposed),
		Details: map[string]interface{}{
			"table":     table,
			"direction": direction,
			"current":   current,
			"proposed":  proposed,
		},
	}
}

// Fatal wraps err so that Classify reports it as fatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return NewFatalError(err.Error(), err)
}

// Transient wraps err so that Classify reports it as transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return NewTransientError(err.Error(), err)
}

// Postgres SQLSTATE codes and classes that drive classification.
var (
	transientPgCodes = map[string]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"55P03": true, // lock_not_available
		"57P01": true, // admin_shutdown
		"57014": true, // query_canceled (statement timeout)
		"53300": true, // too_many_connections
	}
	transientPgClasses = map[string]bool{
		"08": true, // connection exception
	}
	fatalPgClasses = map[string]bool{
		"22": true, // data exception
		"23": true, // integrity constraint violation
		"42": true, // syntax error or access rule violation
	}
)

// Classify decides whether err should be retried. The outermost categorized
// error wins; otherwise Postgres and network errors are inspected. Unknown
// errors are transient and still dead-letter once attempts run out.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		switch catErr.Category {
		case CategoryFatal, CategoryValidation:
			return ClassFatal
		case CategoryTransient:
			return ClassTransient
		}
		// database/conflict/not_found: classify by the cause when there is one
		if catErr.Cause != nil {
			return Classify(catErr.Cause)
		}
		if catErr.Category == CategoryConflict {
			return ClassFatal
		}
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if transientPgCodes[code] {
			return ClassTransient
		}
		if len(code) >= 2 {
			if transientPgClasses[code[:2]] {
				return ClassTransient
			}
			if fatalPgClasses[code[:2]] {
				return ClassFatal
			}
		}
		return ClassTransient
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsFatal determines if an error must be dead-lettered immediately
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ClassFatal
}

// IsNotFound reports whether err means the row is absent or its lease is not held
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
