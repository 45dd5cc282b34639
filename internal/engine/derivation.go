package engine

import (
	"context"
	"strings"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeriveTarget is where a derived ticket goes. The zero value is the
// general queue.
type DeriveTarget struct {
	EmployeeID string
}

func ToGeneral() DeriveTarget {
	return DeriveTarget{}
}

func ToEmployee(employeeID string) DeriveTarget {
	return DeriveTarget{EmployeeID: employeeID}
}

func (t DeriveTarget) General() bool {
	return t.EmployeeID == ""
}

// DeriveOptions optionally rewrite the ticket while it moves.
type DeriveOptions struct {
	ServiceType    string
	ServiceSubtype string
	Priority       models.Priority
	Reason         string
	Comment        string
}

type DeriveResult struct {
	Ticket models.Ticket           `json:"ticket"`
	Record models.DerivationRecord `json:"derivation"`
	// Immediate is set when the target employee took the ticket straight away.
	Immediate bool `json:"immediate"`
	// Next is what the deriving employee picked up after being freed.
	Next *models.Ticket `json:"next,omitempty"`
	// Assigned is the general-queue reassignment, when one happened.
	Assigned *models.Employee `json:"assigned,omitempty"`
}

func (r DeriveResult) Parked() bool {
	return r.Record.Parked
}

// Derive transfers a ticket from the employee serving it to the general
// queue or to another employee. A free target serves it immediately; a busy
// or paused one gets it parked in its personal queue, which it serves
// before the general queue.
func (e *Engine) Derive(ctx context.Context, ticketID, fromEmployeeID string, target DeriveTarget, options DeriveOptions) (DeriveResult, error) {
	const op = "derive"
	ctx, span := e.tracer.Start(ctx, "engine.Derive", trace.WithAttributes(
		attribute.String("ticket.id", ticketID),
		attribute.String("employee.from", fromEmployeeID),
		attribute.String("employee.to", target.EmployeeID),
	))
	result, err := e.derive(ctx, op, ticketID, fromEmployeeID, target, options)
	endSpan(span, err)
	return result, err
}

func (e *Engine) derive(ctx context.Context, op, ticketID, fromEmployeeID string, target DeriveTarget, options DeriveOptions) (DeriveResult, error) {
	if err := e.writable(op); err != nil {
		return DeriveResult{}, err
	}
	if options.Priority != "" && !models.ValidPriority(options.Priority) {
		return DeriveResult{}, invalid(op, "unknown priority %q", options.Priority)
	}
	if !target.General() && target.EmployeeID == fromEmployeeID {
		return DeriveResult{}, invalid(op, "ticket %s cannot be derived to the employee serving it", ticketID)
	}

	var (
		result     DeriveResult
		fromFree   bool
		derivation = uuid.NewString()
	)
	err := e.retry(ctx, op, func(int) error {
		ticket, err := e.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if !store.ValidTransition(store.ActionDerive, ticket.Status) {
			return invalid(op, "ticket %s is %s, not being served", ticketID, ticket.Status)
		}
		if ticket.ServedBy != fromEmployeeID {
			return invalid(op, "ticket %s is not served by %s", ticketID, fromEmployeeID)
		}
		from, err := e.store.GetEmployee(ctx, fromEmployeeID)
		if err != nil {
			return err
		}

		now := e.now()
		moved := applyOptions(ticket, options)
		moved.DerivationID = derivation
		moved.DerivationCount = ticket.DerivationCount + 1
		moved.UpdatedAt = now

		freed := from
		if freed.CurrentTicketID == ticket.TicketID {
			freed, fromFree = release(freed)
			freed.UpdatedAt = now
		} else {
			fromFree = false
		}

		record := models.DerivationRecord{
			DerivationID:   derivation,
			TicketID:       ticket.TicketID,
			FromEmployeeID: fromEmployeeID,
			Reason:         strings.TrimSpace(options.Reason),
			Comment:        strings.TrimSpace(options.Comment),
			Priority:       moved.Priority,
			CreatedAt:      now,
		}
		txn := store.Txn{
			Tickets:   []store.TicketWrite{{Ticket: moved, ExpectVersion: ticket.Version, ExpectStatus: models.StatusBeingServed}},
			Employees: []store.EmployeeWrite{{Employee: freed, ExpectVersion: from.Version}},
		}
		result = DeriveResult{}

		if target.General() {
			record.DerivationType = models.DerivationToGeneral
			toWaiting(&moved, models.QueueGeneral, "")
			moved.DerivedFrom = fromEmployeeID
			moved.DerivedFromVersion = from.Version + 1
		} else {
			to, err := e.store.GetEmployee(ctx, target.EmployeeID)
			if err != nil {
				return err
			}
			record.DerivationType = models.DerivationToEmployee
			record.ToEmployeeID = &to.EmployeeID
			if to.Free() {
				moved.QueueType = models.QueuePersonal
				moved.AssignedToEmployee = to.EmployeeID
				moved.ServedBy = to.EmployeeID
				moved.ServedAt = &now
				busy := to
				busy.CurrentTicketID = ticket.TicketID
				busy.UpdatedAt = now
				txn.Employees = append(txn.Employees, store.EmployeeWrite{Employee: busy, ExpectVersion: to.Version})
				result.Immediate = true
				result.Assigned = &busy
			} else {
				record.Parked = true
				toWaiting(&moved, models.QueuePersonal, to.EmployeeID)
			}
		}
		txn.Tickets[0].Ticket = moved

		if err := e.store.Apply(ctx, txn); err != nil {
			return err
		}
		moved.Version = ticket.Version + 1
		if result.Assigned != nil {
			result.Assigned.Version++
		}
		result.Ticket = moved
		result.Record = record
		return nil
	})
	if err != nil {
		return DeriveResult{}, err
	}
	derivationsTotal.Add(1)
	e.log.WithFields(logrus.Fields{
		"ticket_id":     ticketID,
		"from":          fromEmployeeID,
		"to":            target.EmployeeID,
		"type":          result.Record.DerivationType,
		"parked":        result.Record.Parked,
		"derivation_id": derivation,
	}).Info("ticket derived")
	e.appendAudit(ctx, result.Record)

	if fromFree {
		pickup, err := e.AttemptAutoPickup(ctx, fromEmployeeID, ticketID)
		if err != nil {
			e.log.WithError(err).WithField("employee_id", fromEmployeeID).Warn("pickup after derivation failed")
		} else {
			result.Next = pickup.Ticket
		}
	}
	if target.General() {
		assigned, err := e.AttemptAutoAssign(ctx, ticketID, fromEmployeeID)
		if err != nil {
			e.log.WithError(err).WithField("ticket_id", ticketID).Warn("reassignment after derivation failed")
		} else if assigned.Assigned() {
			result.Ticket = assigned.Ticket
			result.Assigned = assigned.Employee
		}
	}
	return result, nil
}

func toWaiting(ticket *models.Ticket, queue models.QueueType, assignee string) {
	ticket.Status = models.StatusWaiting
	ticket.QueueType = queue
	ticket.AssignedToEmployee = assignee
	ticket.ServedBy = ""
	ticket.ServedAt = nil
	ticket.DerivedFrom = ""
	ticket.DerivedFromVersion = 0
}

func applyOptions(ticket models.Ticket, options DeriveOptions) models.Ticket {
	if s := strings.TrimSpace(options.ServiceType); s != "" {
		ticket.ServiceType = s
	}
	if s := strings.TrimSpace(options.ServiceSubtype); s != "" {
		ticket.ServiceSubtype = s
	}
	if options.Priority != "" {
		ticket.Priority = options.Priority
	}
	return ticket
}

// appendAudit hands the record to the audit sink. A failing sink is only
// logged: the derivation itself is already committed.
func (e *Engine) appendAudit(ctx context.Context, record models.DerivationRecord) {
	if e.audit == nil {
		return
	}
	if err := e.audit.AppendDerivation(ctx, record); err != nil {
		e.log.WithError(err).WithField("derivation_id", record.DerivationID).Warn("derivation audit append failed")
	}
}
