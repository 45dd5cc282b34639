package models

import "time"

type EmployeeState string

const (
	StateOffline   EmployeeState = "offline"
	StateAvailable EmployeeState = "available"
	StatePaused    EmployeeState = "paused"
	StateServing   EmployeeState = "serving"
)

type Employee struct {
	EmployeeID            string    `json:"employee_id"`
	Name                  string    `json:"name"`
	IsActive              bool      `json:"is_active"`
	IsPaused              bool      `json:"is_paused"`
	IsOnline              bool      `json:"is_online"`
	PendingOffline        bool      `json:"pending_offline,omitempty"`
	CurrentTicketID       string    `json:"current_ticket_id,omitempty"`
	TotalTicketsServed    int       `json:"total_tickets_served"`
	TotalTicketsCancelled int       `json:"total_tickets_cancelled"`
	CreatedAt             time.Time `json:"created_at"`
	Version               int64     `json:"version"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// State folds the stored flags into the availability state machine.
func (e Employee) State() EmployeeState {
	switch {
	case e.CurrentTicketID != "":
		return StateServing
	case !e.IsOnline:
		return StateOffline
	case e.IsPaused:
		return StatePaused
	default:
		return StateAvailable
	}
}

// Free reports whether e can be handed a ticket right now.
func (e Employee) Free() bool {
	return e.IsActive && !e.IsPaused && e.IsOnline && e.CurrentTicketID == ""
}

// Consistent checks isActive == !isPaused for an employee without a ticket.
func (e Employee) Consistent() bool {
	if e.CurrentTicketID != "" {
		return true
	}
	return e.IsActive == !e.IsPaused
}
