package store

import "qms/queue-engine/internal/models"

const (
	ActionClaim    = "claim"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionDerive   = "derive"
	ActionReset    = "reset"
)

var transitionMap = map[string][]models.TicketStatus{
	ActionClaim:    {models.StatusWaiting},
	ActionComplete: {models.StatusBeingServed},
	ActionCancel:   {models.StatusBeingServed},
	ActionDerive:   {models.StatusBeingServed},
	ActionReset:    {models.StatusBeingServed},
}

var statusPaths = map[models.TicketStatus][]models.TicketStatus{
	models.StatusWaiting:     {models.StatusBeingServed},
	models.StatusBeingServed: {models.StatusWaiting, models.StatusCompleted, models.StatusCancelled},
}

func ValidTransition(action string, fromStatus models.TicketStatus) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// ValidStatusChange reports whether a ticket may move from one status to
// another. Staying in the same status is always allowed.
func ValidStatusChange(from, to models.TicketStatus) bool {
	if from == to {
		return true
	}
	for _, next := range statusPaths[from] {
		if next == to {
			return true
		}
	}
	return false
}
