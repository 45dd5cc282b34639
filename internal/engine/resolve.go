package engine

import (
	"context"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ResetComment is stamped on tickets closed by the daily reset.
const ResetComment = "Ticket closed automatically by the end-of-day reset"

type ResolveResult struct {
	Ticket   models.Ticket   `json:"ticket"`
	Employee models.Employee `json:"employee"`
	Next     *models.Ticket  `json:"next,omitempty"`
}

type CancelInput struct {
	Reason  string
	Comment string
}

// Complete closes a ticket the employee is serving and hands the employee
// its next ticket.
func (e *Engine) Complete(ctx context.Context, ticketID, employeeID, comment string) (ResolveResult, error) {
	return e.resolve(ctx, store.ActionComplete, ticketID, employeeID, func(ticket *models.Ticket, employee *models.Employee, now time.Time) {
		ticket.Status = models.StatusCompleted
		ticket.CompletedAt = &now
		ticket.CompletionComment = strings.TrimSpace(comment)
		employee.TotalTicketsServed++
	})
}

func (e *Engine) Cancel(ctx context.Context, ticketID, employeeID string, input CancelInput) (ResolveResult, error) {
	return e.resolve(ctx, store.ActionCancel, ticketID, employeeID, func(ticket *models.Ticket, employee *models.Employee, now time.Time) {
		ticket.Status = models.StatusCancelled
		ticket.CancelledAt = &now
		ticket.CancelReason = strings.TrimSpace(input.Reason)
		ticket.CancelComment = strings.TrimSpace(input.Comment)
		employee.TotalTicketsCancelled++
	})
}

func (e *Engine) resolve(ctx context.Context, op, ticketID, employeeID string, finish func(*models.Ticket, *models.Employee, time.Time)) (ResolveResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("ticket.id", ticketID),
		attribute.String("employee.id", employeeID),
	))
	result, err := e.resolveOnce(ctx, op, ticketID, employeeID, finish)
	endSpan(span, err)
	return result, err
}

func (e *Engine) resolveOnce(ctx context.Context, op, ticketID, employeeID string, finish func(*models.Ticket, *models.Employee, time.Time)) (ResolveResult, error) {
	if err := e.writable(op); err != nil {
		return ResolveResult{}, err
	}
	var (
		result ResolveResult
		pickup bool
	)
	err := e.retry(ctx, op, func(int) error {
		ticket, err := e.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if !store.ValidTransition(op, ticket.Status) {
			return invalid(op, "ticket %s is %s, not being served", ticketID, ticket.Status)
		}
		if ticket.ServedBy != employeeID {
			return invalid(op, "ticket %s is not served by %s", ticketID, employeeID)
		}
		employee, err := e.store.GetEmployee(ctx, employeeID)
		if err != nil {
			return err
		}

		now := e.now()
		closed := ticket
		next := employee
		finish(&closed, &next, now)
		closed.ServiceTimeSeconds = seconds(ticket.ServedAt, now)
		closed.TotalTimeSeconds = seconds(&ticket.CreatedAt, now)
		closed.UpdatedAt = now
		pickup = false
		if next.CurrentTicketID == ticket.TicketID {
			next, pickup = release(next)
		}
		next.UpdatedAt = now

		err = e.store.Apply(ctx, store.Txn{
			Tickets:   []store.TicketWrite{{Ticket: closed, ExpectVersion: ticket.Version, ExpectStatus: models.StatusBeingServed}},
			Employees: []store.EmployeeWrite{{Employee: next, ExpectVersion: employee.Version}},
		})
		if err != nil {
			return err
		}
		closed.Version = ticket.Version + 1
		next.Version = employee.Version + 1
		result = ResolveResult{Ticket: closed, Employee: next}
		return nil
	})
	if err != nil {
		return ResolveResult{}, err
	}
	e.log.WithFields(logrus.Fields{
		"ticket_id":    ticketID,
		"number":       result.Ticket.DisplayNumber,
		"employee_id":  employeeID,
		"status":       result.Ticket.Status,
		"service_secs": result.Ticket.ServiceTimeSeconds,
	}).Info("ticket resolved")

	if pickup {
		next, err := e.AttemptAutoPickup(ctx, employeeID)
		if err != nil {
			e.log.WithError(err).WithField("employee_id", employeeID).Warn("pickup after resolution failed")
		} else {
			result.Employee = next.Employee
			result.Next = next.Ticket
		}
	}
	return result, nil
}

// CloseForReset force-completes a ticket left in service at the end of the
// day. The employee loses the ticket and ends up Paused without picking up
// anything. It reports false when the ticket was no longer being served,
// which makes repeated runs harmless.
func (e *Engine) CloseForReset(ctx context.Context, ticketID string) (bool, error) {
	const op = store.ActionReset
	ctx, span := e.tracer.Start(ctx, "engine.CloseForReset", trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	closed := false
	err := e.retry(ctx, op, func(int) error {
		closed = false
		ticket, err := e.store.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if !store.ValidTransition(op, ticket.Status) {
			return nil
		}

		now := e.now()
		done := ticket
		done.Status = models.StatusCompleted
		done.CompletedAt = &now
		done.CompletionComment = ResetComment
		done.ServiceTimeSeconds = seconds(ticket.ServedAt, now)
		done.TotalTimeSeconds = seconds(&ticket.CreatedAt, now)
		done.UpdatedAt = now
		txn := store.Txn{
			Tickets: []store.TicketWrite{{Ticket: done, ExpectVersion: ticket.Version, ExpectStatus: models.StatusBeingServed}},
		}

		if ticket.ServedBy != "" {
			employee, err := e.store.GetEmployee(ctx, ticket.ServedBy)
			switch {
			case err == nil:
				next := employee
				next.TotalTicketsServed++
				if next.CurrentTicketID == ticket.TicketID {
					next.CurrentTicketID = ""
					next.IsPaused = true
					next.IsActive = false
					if next.PendingOffline {
						next.PendingOffline = false
						next.IsOnline = false
					}
				}
				next.UpdatedAt = now
				txn.Employees = []store.EmployeeWrite{{Employee: next, ExpectVersion: employee.Version}}
			case !isNotFound(err):
				return err
			}
		}
		if err := e.store.Apply(ctx, txn); err != nil {
			return err
		}
		closed = true
		return nil
	})
	endSpan(span, err)
	return closed, err
}
