// Package model holds the records shared by the project store, the publishing
// queue and the scheduler engine.
package model

import (
	"strings"
	"time"
)

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectPaused, ProjectCompleted:
		return true
	}
	return false
}

// Project is a named unit of work targeting TargetCount published pieces.
//
// PublishingInterval is expressed in whole minutes.
type Project struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	Keywords           []string      `json:"keywords"`
	TargetCount        int           `json:"target_count"`
	CompletedCount     int           `json:"completed_count"`
	Status             ProjectStatus `json:"status"`
	PublishingInterval int           `json:"publishing_interval"`
	OutputDirectory    string        `json:"output_directory"`
	Site               string        `json:"site,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Keyword returns the topic for the given content ordinal.
func (p Project) Keyword(ordinal int) string {
	if len(p.Keywords) == 0 {
		return ""
	}
	if ordinal < 0 {
		ordinal = 0
	}
	return p.Keywords[ordinal%len(p.Keywords)]
}

// Remaining is the number of content pieces still to generate.
func (p Project) Remaining() int {
	return p.TargetCount - p.CompletedCount
}

func (p Project) Interval() time.Duration {
	return time.Duration(p.PublishingInterval) * time.Minute
}

// ProjectSpec carries the caller-supplied fields of a new project.
type ProjectSpec struct {
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description,omitempty" yaml:"description"`
	Keywords           []string `json:"keywords" yaml:"keywords"`
	TargetCount        int      `json:"target_count" yaml:"target_count"`
	PublishingInterval int      `json:"publishing_interval" yaml:"publishing_interval"`
	OutputDirectory    string   `json:"output_directory" yaml:"output_directory"`
	Site               string   `json:"site,omitempty" yaml:"site"`
}

// Validate checks the project definition and returns a *ValidationError describing the
// first problem found.
func (s ProjectSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if s.TargetCount < 1 {
		return &ValidationError{Field: "target_count", Reason: "must be >= 1"}
	}
	kw := 0
	for _, k := range s.Keywords {
		if strings.TrimSpace(k) != "" {
			kw++
		}
	}
	if kw == 0 {
		return &ValidationError{Field: "keywords", Reason: "at least one keyword is required"}
	}
	if s.PublishingInterval < 1 {
		return &ValidationError{Field: "publishing_interval", Reason: "must be >= 1 minute"}
	}
	if strings.TrimSpace(s.OutputDirectory) == "" {
		return &ValidationError{Field: "output_directory", Reason: "must not be empty"}
	}
	return nil
}

type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemPublished ItemStatus = "published"
	ItemFailed    ItemStatus = "failed"
	ItemError     ItemStatus = "error"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemQueued, ItemPublished, ItemFailed, ItemError:
		return true
	}
	return false
}

// Terminal reports whether the status is final unless rescheduled.
func (s ItemStatus) Terminal() bool {
	return s == ItemPublished || s == ItemFailed || s == ItemError
}

// ItemKey identifies a queue item. At most one item exists per key.
type ItemKey struct {
	ProjectID    string `json:"project_id"`
	ContentIndex int    `json:"content_index"`
}

// QueueItem is one scheduled publish attempt for one content piece.
type QueueItem struct {
	ProjectID     string     `json:"project_id"`
	ContentIndex  int        `json:"content_index"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Status        ItemStatus `json:"status"`
	Title         string     `json:"title,omitempty"`
	FilePath      string     `json:"file_path,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	// ClaimedUntil is set while a publisher owns the item. The claim
	// outlives the publish timeout, so an expired claim means the owner died.
	ClaimedUntil  time.Time  `json:"claimed_until,omitzero"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (it QueueItem) Key() ItemKey {
	return ItemKey{ProjectID: it.ProjectID, ContentIndex: it.ContentIndex}
}

// Due reports whether the item is queued, eligible at now and not claimed
// by a publisher.
func (it QueueItem) Due(now time.Time) bool {
	return it.Status == ItemQueued && !it.ScheduledTime.After(now) && !it.Claimed(now)
}

func (it QueueItem) Claimed(now time.Time) bool { return it.ClaimedUntil.After(now) }

// Content is the artifact returned by a content generator.
type Content struct {
	Title    string
	Body     string
	FilePath string
}

// AuditEntry records an administrative operation.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	ProjectID string    `json:"project_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}
