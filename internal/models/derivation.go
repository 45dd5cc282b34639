package models

import "time"

const (
	DerivationToGeneral  = "to_general"
	DerivationToEmployee = "to_employee"
)

// DerivationRecord is append-only; nothing reads it back for routing.
type DerivationRecord struct {
	DerivationID   string    `json:"derivation_id"`
	TicketID       string    `json:"ticket_id"`
	FromEmployeeID string    `json:"from_employee_id"`
	ToEmployeeID   *string   `json:"to_employee_id"`
	DerivationType string    `json:"derivation_type"`
	Reason         string    `json:"reason,omitempty"`
	Comment        string    `json:"comment,omitempty"`
	Priority       Priority  `json:"priority"`
	Parked         bool      `json:"parked"`
	CreatedAt      time.Time `json:"created_at"`
}

type QueueStats struct {
	EmployeeID         string    `json:"employee_id"`
	PersonalQueueCount int       `json:"personal_queue_count"`
	GeneralQueueCount  int       `json:"general_queue_count"`
	NextTicketType     QueueType `json:"next_ticket_type,omitempty"`
}
