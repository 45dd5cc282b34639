package engine

import (
	"context"
	"slices"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Stats counts an employee's personal queue and the general queue from a
// single read of the waiting tickets, and names which one the employee
// would be served from next.
func (e *Engine) Stats(ctx context.Context, employeeID string) (models.QueueStats, error) {
	waiting, err := e.store.ListTickets(ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusWaiting}})
	if err != nil {
		return models.QueueStats{}, classify("stats", err)
	}
	return CountQueues(waiting, employeeID), nil
}

func CountQueues(waiting []models.Ticket, employeeID string) models.QueueStats {
	stats := models.QueueStats{EmployeeID: employeeID}
	for _, ticket := range waiting {
		switch {
		case employeeID != "" && ticket.InPersonalQueue(employeeID):
			stats.PersonalQueueCount++
		case ticket.InGeneralQueue():
			stats.GeneralQueueCount++
		}
	}
	switch {
	case stats.PersonalQueueCount > 0:
		stats.NextTicketType = models.QueuePersonal
	case stats.GeneralQueueCount > 0:
		stats.NextTicketType = models.QueueGeneral
	}
	return stats
}

type QueueEntry struct {
	Ticket   models.Ticket `json:"ticket"`
	Position int           `json:"position"`
}

// Snapshot lists every waiting ticket with its queue position, general
// queue first, for display boards.
func (e *Engine) Snapshot(ctx context.Context) ([]QueueEntry, error) {
	waiting, err := e.store.ListTickets(ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusWaiting}})
	if err != nil {
		return nil, classify("snapshot", err)
	}
	slices.SortStableFunc(waiting, func(a, b models.Ticket) int {
		if a.QueueType != b.QueueType {
			if a.QueueType == models.QueueGeneral {
				return -1
			}
			return 1
		}
		return store.ByCreation(a, b)
	})
	entries := make([]QueueEntry, 0, len(waiting))
	for _, ticket := range waiting {
		entries = append(entries, QueueEntry{Ticket: ticket, Position: QueuePosition(waiting, ticket)})
	}
	return entries, nil
}
