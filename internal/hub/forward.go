package hub

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/store"
)

type envelope struct {
	Type      string          `json:"type"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Forward broadcasts a store change to the clients subscribed to it.
func (h *Hub) Forward(_ context.Context, event store.ChangeEvent) error {
	var (
		record any
		meta   = Meta{Kind: string(event.Kind)}
	)
	switch {
	case event.Ticket != nil:
		record = event.Ticket
		meta.ServiceType = event.Ticket.ServiceType
		for _, id := range []string{event.Ticket.AssignedToEmployee, event.Ticket.ServedBy} {
			if id != "" {
				meta.EmployeeIDs = append(meta.EmployeeIDs, id)
			}
		}
	case event.Employee != nil:
		record = event.Employee
		meta.EmployeeIDs = []string{event.Employee.EmployeeID}
	default:
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	message, err := json.Marshal(envelope{
		Type:      string(event.Kind) + ".changed",
		Version:   event.Version,
		Payload:   payload,
		CreatedAt: event.UpdatedAt,
	})
	if err != nil {
		return err
	}
	h.Broadcast(message, meta)
	return nil
}
