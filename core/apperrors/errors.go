package apperrors

import (
	"errors"
	"fmt"
)

// Category classifies a failure so callers can decide whether to abort a job
type Category string

const (
	CategoryInput       Category = "input"
	CategoryProvider    Category = "provider"
	CategoryEnrichment  Category = "enrichment"
	CategoryPackaging   Category = "packaging"
	CategoryPersistence Category = "persistence"
	CategoryResource    Category = "resource"
	CategoryTimeout     Category = "timeout"
)

var (
	// ErrNotFound is returned when a job, artifact or event stream does not exist
	ErrNotFound = errors.New("not found")

	// ErrJobFinalized is returned when an update targets a job in a terminal state
	ErrJobFinalized = errors.New("job already finalized")

	// ErrUnknownService is returned when no provider is registered for a service key
	ErrUnknownService = errors.New("unknown service")

	// ErrJobTimeout is recorded on jobs that ran past their maximum execution time
	ErrJobTimeout = errors.New("job exceeded maximum execution time")

	// ErrJobInterrupted is recorded on jobs redelivered after their worker was lost
	ErrJobInterrupted = errors.New("job execution was interrupted")
)

// Error wraps an underlying error with a category and the operation that failed
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must abort the job
func (e *Error) Fatal() bool {
	switch e.Category {
	case CategoryEnrichment, CategoryPackaging, CategoryResource:
		return false
	}
	return true
}

// New creates a categorized error
func New(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

// Input wraps err as an input error
func Input(op string, err error) error { return New(CategoryInput, op, err) }

// Provider wraps err as a provider error
func Provider(op string, err error) error { return New(CategoryProvider, op, err) }

// Enrichment wraps err as an enrichment error
func Enrichment(op string, err error) error { return New(CategoryEnrichment, op, err) }

// Packaging wraps err as a packaging error
func Packaging(op string, err error) error { return New(CategoryPackaging, op, err) }

// Persistence wraps err as a persistence error
func Persistence(op string, err error) error { return New(CategoryPersistence, op, err) }

// Resource wraps err as a resource error
func Resource(op string, err error) error { return New(CategoryResource, op, err) }

// Timeout wraps err as a timeout error
func Timeout(op string, err error) error { return New(CategoryTimeout, op, err) }

// CategoryOf returns the category of the first categorized error in the chain.
// Uncategorized errors report an empty category.
func CategoryOf(err error) Category {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return ""
}

// IsFatal reports whether err should abort a job. Uncategorized errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Fatal()
	}
	return true
}

// Is reports whether err carries the given category
func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
