package engine

import (
	"context"
	"slices"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type AssignResult struct {
	Ticket   models.Ticket
	Employee *models.Employee
	// QueuePosition is the 1-based rank of a ticket left waiting, 0 once served.
	QueuePosition int
}

func (r AssignResult) Assigned() bool {
	return r.Employee != nil
}

type PickupResult struct {
	Employee models.Employee
	Ticket   *models.Ticket
	Source   models.QueueType
}

func (r PickupResult) Picked() bool {
	return r.Ticket != nil
}

// AttemptAutoAssign hands a waiting general-queue ticket to the free
// employee with the fewest served tickets. Employees listed in exclude are
// never considered. A ticket that stays waiting is reported with its queue
// position.
func (e *Engine) AttemptAutoAssign(ctx context.Context, ticketID string, exclude ...string) (AssignResult, error) {
	const op = "assign"
	ctx, span := e.tracer.Start(ctx, "engine.AttemptAutoAssign", trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	var result AssignResult
	err := e.writable(op)
	if err == nil {
		err = e.retry(ctx, op, func(int) error {
			var attemptErr error
			result, attemptErr = e.assignOnce(ctx, ticketID, exclude)
			return attemptErr
		})
	}
	endSpan(span, err)
	return result, err
}

func (e *Engine) assignOnce(ctx context.Context, ticketID string, exclude []string) (AssignResult, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return AssignResult{}, err
	}
	result := AssignResult{Ticket: ticket}
	if !ticket.IsWaiting() {
		return result, nil
	}
	if ticket.QueueType != models.QueueGeneral {
		result.QueuePosition, err = e.position(ctx, ticket)
		return result, err
	}

	employees, err := e.store.ListEmployees(ctx)
	if err != nil {
		return AssignResult{}, err
	}
	candidate, ok := selectCandidate(ticket, employees, exclude)
	if !ok {
		result.QueuePosition, err = e.position(ctx, ticket)
		if err == nil {
			e.log.WithFields(logrus.Fields{
				"ticket_id": ticket.TicketID,
				"number":    ticket.DisplayNumber,
				"position":  result.QueuePosition,
			}).Debug("no free employee, ticket stays queued")
		}
		return result, err
	}

	txn, served, employee := claim(ticket, candidate, e.now())
	if err := e.store.Apply(ctx, txn); err != nil {
		return AssignResult{}, err
	}
	assignmentsTotal.Add(1)
	e.log.WithFields(logrus.Fields{
		"ticket_id":   served.TicketID,
		"number":      served.DisplayNumber,
		"employee_id": employee.EmployeeID,
	}).Info("ticket assigned")
	served.Version++
	employee.Version++
	return AssignResult{Ticket: served, Employee: &employee}, nil
}

// AttemptAutoPickup gives a free employee its next ticket: the oldest one
// in its personal queue, otherwise the oldest in the general queue.
func (e *Engine) AttemptAutoPickup(ctx context.Context, employeeID string, exclude ...string) (PickupResult, error) {
	const op = "pickup"
	ctx, span := e.tracer.Start(ctx, "engine.AttemptAutoPickup", trace.WithAttributes(attribute.String("employee.id", employeeID)))
	var result PickupResult
	err := e.writable(op)
	if err == nil {
		err = e.retry(ctx, op, func(int) error {
			var attemptErr error
			result, attemptErr = e.pickupOnce(ctx, employeeID, exclude)
			return attemptErr
		})
	}
	endSpan(span, err)
	return result, err
}

func (e *Engine) pickupOnce(ctx context.Context, employeeID string, exclude []string) (PickupResult, error) {
	employee, err := e.store.GetEmployee(ctx, employeeID)
	if err != nil {
		return PickupResult{}, err
	}
	result := PickupResult{Employee: employee}
	if !employee.Free() {
		return result, nil
	}
	waiting, err := e.store.ListTickets(ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusWaiting}})
	if err != nil {
		return PickupResult{}, err
	}
	next, ok := nextFor(waiting, employee, exclude)
	if !ok {
		return result, nil
	}

	txn, served, updated := claim(next, employee, e.now())
	if err := e.store.Apply(ctx, txn); err != nil {
		return PickupResult{}, err
	}
	assignmentsTotal.Add(1)
	e.log.WithFields(logrus.Fields{
		"ticket_id":   served.TicketID,
		"number":      served.DisplayNumber,
		"employee_id": employeeID,
		"queue":       next.QueueType,
	}).Info("ticket picked up")
	served.Version++
	updated.Version++
	return PickupResult{Employee: updated, Ticket: &served, Source: next.QueueType}, nil
}

// claim builds the single transaction that moves ticket to being_served by
// employee. Both writes are conditioned on the versions read, so a ticket
// can't be claimed twice and an employee can't hold two tickets.
func claim(ticket models.Ticket, employee models.Employee, now time.Time) (store.Txn, models.Ticket, models.Employee) {
	served := ticket
	served.Status = models.StatusBeingServed
	served.ServedBy = employee.EmployeeID
	served.ServedAt = &now
	served.UpdatedAt = now
	served.DerivedFrom = ""
	served.DerivedFromVersion = 0

	busy := employee
	busy.CurrentTicketID = ticket.TicketID
	busy.UpdatedAt = now

	txn := store.Txn{
		Tickets:   []store.TicketWrite{{Ticket: served, ExpectVersion: ticket.Version, ExpectStatus: models.StatusWaiting}},
		Employees: []store.EmployeeWrite{{Employee: busy, ExpectVersion: employee.Version}},
	}
	return txn, served, busy
}

// selectCandidate orders free employees by served count, then by creation
// time, then by id, so the choice is stable for identical inputs.
func selectCandidate(ticket models.Ticket, employees []models.Employee, exclude []string) (models.Employee, bool) {
	free := make([]models.Employee, 0, len(employees))
	for _, employee := range employees {
		if employee.Free() && !slices.Contains(exclude, employee.EmployeeID) && !heldBack(ticket, employee) {
			free = append(free, employee)
		}
	}
	if len(free) == 0 {
		return models.Employee{}, false
	}
	slices.SortFunc(free, func(a, b models.Employee) int {
		if a.TotalTicketsServed != b.TotalTicketsServed {
			return a.TotalTicketsServed - b.TotalTicketsServed
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.EmployeeID, b.EmployeeID)
	})
	return free[0], true
}

// heldBack reports whether ticket was sent to the general queue by employee
// and employee hasn't written anything since. Handing it back then would
// undo the derivation; any later change to employee lifts the hold.
func heldBack(ticket models.Ticket, employee models.Employee) bool {
	return ticket.InGeneralQueue() &&
		ticket.DerivedFrom == employee.EmployeeID &&
		ticket.DerivedFromVersion == employee.Version
}

func nextFor(waiting []models.Ticket, employee models.Employee, exclude []string) (models.Ticket, bool) {
	slices.SortFunc(waiting, store.ByCreation)
	var general *models.Ticket
	for i := range waiting {
		ticket := waiting[i]
		if slices.Contains(exclude, ticket.TicketID) {
			continue
		}
		if ticket.InPersonalQueue(employee.EmployeeID) {
			return ticket, true
		}
		if general == nil && ticket.InGeneralQueue() && !heldBack(ticket, employee) {
			general = &waiting[i]
		}
	}
	if general != nil {
		return *general, true
	}
	return models.Ticket{}, false
}

func (e *Engine) position(ctx context.Context, ticket models.Ticket) (int, error) {
	waiting, err := e.store.ListTickets(ctx, store.TicketFilter{
		Statuses:  []models.TicketStatus{models.StatusWaiting},
		QueueType: ticket.QueueType,
	})
	if err != nil {
		return 0, err
	}
	return QueuePosition(waiting, ticket), nil
}

// QueuePosition ranks ticket among the waiting tickets of the same queue.
// Personal tickets are ranked only against their assignee's queue. It
// returns 0 for a ticket that isn't waiting.
func QueuePosition(tickets []models.Ticket, ticket models.Ticket) int {
	if !ticket.IsWaiting() {
		return 0
	}
	position := 1
	for _, other := range tickets {
		if other.TicketID == ticket.TicketID || !other.IsWaiting() || other.QueueType != ticket.QueueType {
			continue
		}
		if ticket.QueueType == models.QueuePersonal && other.AssignedToEmployee != ticket.AssignedToEmployee {
			continue
		}
		if store.ByCreation(other, ticket) < 0 {
			position++
		}
	}
	return position
}
