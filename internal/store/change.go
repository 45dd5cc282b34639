package store

import (
	"encoding/json"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

type ChangeKind string

const (
	ChangeTicket   ChangeKind = "ticket"
	ChangeEmployee ChangeKind = "employee"
)

// ChangeEvent is published after a record is created or written.
type ChangeEvent struct {
	Kind      ChangeKind       `json:"kind"`
	ID        string           `json:"id"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Ticket    *models.Ticket   `json:"ticket,omitempty"`
	Employee  *models.Employee `json:"employee,omitempty"`
}

func TicketChanged(t models.Ticket) ChangeEvent {
	return ChangeEvent{Kind: ChangeTicket, ID: t.TicketID, Version: t.Version, UpdatedAt: t.UpdatedAt, Ticket: &t}
}

func EmployeeChanged(e models.Employee) ChangeEvent {
	return ChangeEvent{Kind: ChangeEmployee, ID: e.EmployeeID, Version: e.Version, UpdatedAt: e.UpdatedAt, Employee: &e}
}

func EncodeChange(event ChangeEvent) ([]byte, error) {
	return json.Marshal(event)
}

func DecodeChange(payload []byte) (ChangeEvent, error) {
	var event ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ChangeEvent{}, err
	}
	switch event.Kind {
	case ChangeTicket:
		if event.Ticket == nil {
			return ChangeEvent{}, fmt.Errorf("ticket change %s without record", event.ID)
		}
	case ChangeEmployee:
		if event.Employee == nil {
			return ChangeEvent{}, fmt.Errorf("employee change %s without record", event.ID)
		}
	default:
		return ChangeEvent{}, fmt.Errorf("unknown change kind %q", event.Kind)
	}
	return event, nil
}
