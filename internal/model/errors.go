package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotActive           = errors.New("project is not active")
	ErrRunAlreadyScheduled = errors.New("project still has queued items")
	ErrDuplicateItem       = errors.New("duplicate queue item")
	ErrGenerationFailed    = errors.New("content generation failed")

	// ErrPublishFailed is a clean rejection by the publishing target
	// (authentication, permissions). Items end up "failed".
	ErrPublishFailed = errors.New("publish rejected")
	// ErrPublish covers unexpected publisher errors and failed lookups
	// (project, site, file). Items end up "error".
	ErrPublish = errors.New("publish error")
	// ErrPublishDeferred means the publisher did not try (for example a site
	// rate limit outlasts the publish timeout). Items stay "queued".
	ErrPublishDeferred = errors.New("publish deferred")
)

// ValidationError reports malformed project parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GenerationError is returned by a run aborted by the content generator.
// Completed is the project's completed_count when the run stopped.
type GenerationError struct {
	ProjectID    string
	ContentIndex int
	Keyword      string
	Completed    int
	Err          error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate project=%s index=%d keyword=%q: %v", e.ProjectID, e.ContentIndex, e.Keyword, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGenerationFailed, e.Err} }

// NotFound wraps ErrNotFound with the kind and id of the missing record.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
