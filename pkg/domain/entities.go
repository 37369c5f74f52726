// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by the shelflife engine.
package domain

import (
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityBatch identifies a batch record.
	EntityBatch EntityType = "batch"
	// EntitySample identifies a sample record.
	EntitySample EntityType = "sample"
)

// SampleStatus enumerates the stored workflow states of a sample.
type SampleStatus string

// Canonical sample statuses. Samples move pending -> approved or pending -> rejected.
const (
	SampleStatusPending  SampleStatus = "pending"
	SampleStatusApproved SampleStatus = "approved"
	SampleStatusRejected SampleStatus = "rejected"
)

// Valid reports whether the status is one of the canonical sample statuses.
func (s SampleStatus) Valid() bool {
	switch s {
	case SampleStatusPending, SampleStatusApproved, SampleStatusRejected:
		return true
	}
	return false
}

// BatchStatus enumerates batch approval states.
type BatchStatus string

// Canonical batch statuses. Approved is terminal.
const (
	BatchStatusPending  BatchStatus = "pending"
	BatchStatusApproved BatchStatus = "approved"
)

// Valid reports whether the status is one of the canonical batch statuses.
func (s BatchStatus) Valid() bool {
	return s == BatchStatusPending || s == BatchStatusApproved
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch groups samples submitted together for approval.
type Batch struct {
	Base
	ProductName     string      `json:"product_name"`
	Description     string      `json:"description"`
	TestDate        time.Time   `json:"test_date"`
	Status          BatchStatus `json:"status"`
	SampleCount     int         `json:"sample_count"`
	OwnerEmployeeID string      `json:"owner_employee_id"`
	ApprovedBy      string      `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time  `json:"approved_at,omitempty"`
}

// Sample is a single tracked physical item with an owner, a maturation date, and a status.
type Sample struct {
	Base
	DisplayID       string       `json:"display_id"`
	Owner           string       `json:"owner"`
	MaturationDate  *time.Time   `json:"maturation_date,omitempty"`
	Status          SampleStatus `json:"status"`
	BatchID         *string      `json:"batch_id,omitempty"`
	SubmittedBy     string       `json:"submitted_by"`
	ReviewerGroup   string       `json:"reviewer_group,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

// InBatch reports whether the sample references the given batch.
func (s Sample) InBatch(batchID string) bool {
	return s.BatchID != nil && *s.BatchID == batchID
}

// NormalizeIdentifier trims surrounding whitespace from a human-facing identifier.
func NormalizeIdentifier(id string) string {
	return strings.TrimSpace(id)
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// EntityID returns the identifier of the record touched by the change.
func (c Change) EntityID() string {
	for _, v := range []any{c.After, c.Before} {
		switch rec := v.(type) {
		case Batch:
			return rec.ID
		case Sample:
			return rec.ID
		}
	}
	return ""
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Rule + ": " + v.Message
		}
	}
	return "transaction blocked by rules"
}
