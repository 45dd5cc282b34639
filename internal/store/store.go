package store

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
)

type CreateTicketInput struct {
	ServiceType    string
	ServiceSubtype string
	Priority       models.Priority
	Day            string
	CreatedAt      time.Time
}

type CreateEmployeeInput struct {
	EmployeeID string
	Name       string
	CreatedAt  time.Time
}

type TicketFilter struct {
	Statuses   []models.TicketStatus
	QueueType  models.QueueType
	AssignedTo string
	ServedBy   string
}

// TicketWrite replaces a ticket with Ticket if the stored version still
// equals ExpectVersion (and, when set, the stored status equals ExpectStatus).
type TicketWrite struct {
	Ticket        models.Ticket
	ExpectVersion int64
	ExpectStatus  models.TicketStatus
}

type EmployeeWrite struct {
	Employee      models.Employee
	ExpectVersion int64
}

// Txn is applied atomically: every write succeeds or none does.
type Txn struct {
	Tickets   []TicketWrite
	Employees []EmployeeWrite
}

func (t Txn) Empty() bool {
	return len(t.Tickets) == 0 && len(t.Employees) == 0
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
}

type EmployeeDirectory interface {
	CreateEmployee(ctx context.Context, input CreateEmployeeInput) (models.Employee, error)
	GetEmployee(ctx context.Context, employeeID string) (models.Employee, error)
	ListEmployees(ctx context.Context) ([]models.Employee, error)
}

type Store interface {
	TicketStore
	EmployeeDirectory
	Apply(ctx context.Context, txn Txn) error
	Subscribe(ctx context.Context, fn func(ChangeEvent)) (func(), error)
	Ping(ctx context.Context) error
}

type AuditSink interface {
	AppendDerivation(ctx context.Context, record models.DerivationRecord) error
}

// ByCreation orders tickets the way queues are served.
func ByCreation(a, b models.Ticket) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	if a.DisplayNumber != b.DisplayNumber {
		if a.DisplayNumber < b.DisplayNumber {
			return -1
		}
		return 1
	}
	switch {
	case a.TicketID < b.TicketID:
		return -1
	case a.TicketID > b.TicketID:
		return 1
	default:
		return 0
	}
}

func (f TicketFilter) Match(t models.Ticket) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, status := range f.Statuses {
			if t.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.QueueType != "" && t.QueueType != f.QueueType {
		return false
	}
	if f.AssignedTo != "" && t.AssignedToEmployee != f.AssignedTo {
		return false
	}
	if f.ServedBy != "" && t.ServedBy != f.ServedBy {
		return false
	}
	return true
}
