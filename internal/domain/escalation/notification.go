// Package escalation records hand-offs to human volunteers when
// automated handling cannot proceed safely.
package escalation

import "time"

// Reason explains why a message was escalated.
type Reason string

const (
	ReasonEmergencyDetection Reason = "emergency_detection"
	ReasonLowConfidence      Reason = "low_confidence"
	ReasonComplexInquiry     Reason = "complex_inquiry"
)

// Status tracks the volunteer-side lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusResponded Status = "responded"
	StatusResolved  Status = "resolved"
)

// Priority orders the volunteer queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Notification is one escalation record.
type Notification struct {
	ID         string
	PatientID  string
	Message    string
	Priority   Priority
	Reason     Reason
	Status     Status
	Confidence float64
	Response   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
