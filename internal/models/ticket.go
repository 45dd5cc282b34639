package models

import "time"

type TicketStatus string

type QueueType string

type Priority string

const (
	StatusWaiting     TicketStatus = "waiting"
	StatusBeingServed TicketStatus = "being_served"
	StatusCompleted   TicketStatus = "completed"
	StatusCancelled   TicketStatus = "cancelled"
)

const (
	QueueGeneral  QueueType = "general"
	QueuePersonal QueueType = "personal"
)

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Ticket struct {
	TicketID           string       `json:"ticket_id"`
	DisplayNumber      int          `json:"display_number"`
	Day                string       `json:"day"`
	ServiceType        string       `json:"service_type"`
	ServiceSubtype     string       `json:"service_subtype,omitempty"`
	Status             TicketStatus `json:"status"`
	QueueType          QueueType    `json:"queue_type"`
	AssignedToEmployee string       `json:"assigned_to_employee,omitempty"`
	ServedBy           string       `json:"served_by,omitempty"`
	Priority           Priority     `json:"priority"`
	CreatedAt          time.Time    `json:"created_at"`
	ServedAt           *time.Time   `json:"served_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CancelledAt        *time.Time   `json:"cancelled_at,omitempty"`
	ServiceTimeSeconds int64        `json:"service_time_seconds,omitempty"`
	TotalTimeSeconds   int64        `json:"total_time_seconds,omitempty"`
	DerivationID       string       `json:"derivation_id,omitempty"`
	DerivationCount    int          `json:"derivation_count,omitempty"`
	DerivedFrom        string       `json:"derived_from,omitempty"`
	DerivedFromVersion int64        `json:"derived_from_version,omitempty"`
	CompletionComment  string       `json:"completion_comment,omitempty"`
	CancelReason       string       `json:"cancel_reason,omitempty"`
	CancelComment      string       `json:"cancel_comment,omitempty"`
	Version            int64        `json:"version"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (t Ticket) IsWaiting() bool {
	return t.Status == StatusWaiting
}

// InPersonalQueue reports whether t is parked for employeeID.
func (t Ticket) InPersonalQueue(employeeID string) bool {
	return t.Status == StatusWaiting && t.QueueType == QueuePersonal && t.AssignedToEmployee == employeeID
}

func (t Ticket) InGeneralQueue() bool {
	return t.Status == StatusWaiting && t.QueueType == QueueGeneral
}

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}
