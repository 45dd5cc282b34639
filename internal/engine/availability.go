package engine

import (
	"context"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ToggleResult is the employee after an availability change, plus the
// ticket it picked up straight away, if any.
type ToggleResult struct {
	Employee models.Employee `json:"employee"`
	Ticket   *models.Ticket  `json:"ticket,omitempty"`
	Changed  bool            `json:"changed"`
}

// Connect brings an employee online. An offline employee becomes Available
// and immediately tries to pick up work. A Serving employee with a pending
// disconnect has that disconnect cancelled.
func (e *Engine) Connect(ctx context.Context, employeeID string) (ToggleResult, error) {
	return e.toggle(ctx, "connect", employeeID, func(employee models.Employee) (models.Employee, error) {
		next := employee
		switch employee.State() {
		case models.StateServing:
			next.PendingOffline = false
			next.IsOnline = true
		case models.StateOffline:
			next.IsOnline = true
			next.IsPaused = false
			next.IsActive = true
		}
		return next, nil
	}, false)
}

// Disconnect takes an employee offline. A Serving employee keeps its ticket
// and goes Paused+Offline once it is completed or cancelled.
func (e *Engine) Disconnect(ctx context.Context, employeeID string) (ToggleResult, error) {
	return e.toggle(ctx, "disconnect", employeeID, func(employee models.Employee) (models.Employee, error) {
		next := employee
		switch employee.State() {
		case models.StateServing:
			next.PendingOffline = true
		case models.StateAvailable, models.StatePaused:
			next.IsOnline = false
			next.IsPaused = true
			next.IsActive = false
			next.PendingOffline = false
		}
		return next, nil
	}, false)
}

// Pause stops an Available employee from receiving tickets.
func (e *Engine) Pause(ctx context.Context, employeeID string) (ToggleResult, error) {
	return e.toggle(ctx, "pause", employeeID, func(employee models.Employee) (models.Employee, error) {
		switch employee.State() {
		case models.StateServing:
			return employee, invalid("pause", "employee %s is serving a ticket", employeeID)
		case models.StateOffline:
			return employee, invalid("pause", "employee %s is offline", employeeID)
		case models.StatePaused:
			return employee, nil
		}
		next := employee
		next.IsPaused = true
		next.IsActive = false
		return next, nil
	}, true)
}

// Resume makes a Paused employee Available and picks up its next ticket
// before returning, so the caller can show what it is now serving.
func (e *Engine) Resume(ctx context.Context, employeeID string) (ToggleResult, error) {
	return e.toggle(ctx, "resume", employeeID, func(employee models.Employee) (models.Employee, error) {
		switch employee.State() {
		case models.StateServing:
			return employee, invalid("resume", "employee %s is serving a ticket", employeeID)
		case models.StateOffline:
			return employee, invalid("resume", "employee %s is offline", employeeID)
		case models.StateAvailable:
			return employee, nil
		}
		next := employee
		next.IsPaused = false
		next.IsActive = true
		return next, nil
	}, true)
}

// toggle reads the employee, lets change compute the next record and
// writes it when it differs. debounced toggles are rate limited per
// employee. A Free employee tries to pick up work afterwards.
func (e *Engine) toggle(ctx context.Context, op, employeeID string, change func(models.Employee) (models.Employee, error), debounced bool) (ToggleResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("employee.id", employeeID)))
	result, err := e.toggleOnce(ctx, op, employeeID, change, debounced)
	endSpan(span, err)
	return result, err
}

func (e *Engine) toggleOnce(ctx context.Context, op, employeeID string, change func(models.Employee) (models.Employee, error), debounced bool) (ToggleResult, error) {
	if err := e.writable(op); err != nil {
		return ToggleResult{}, err
	}
	var result ToggleResult
	var undo func()
	err := e.retry(ctx, op, func(int) error {
		employee, err := e.store.GetEmployee(ctx, employeeID)
		if err != nil {
			return err
		}
		next, err := change(employee)
		if err != nil {
			return err
		}
		result = ToggleResult{Employee: employee}
		if next == employee {
			return nil
		}
		if debounced && undo == nil {
			cancel, ok := e.debounce.reserve(employeeID, e.now())
			if !ok {
				return invalid(op, "availability of %s toggled too quickly", employeeID)
			}
			undo = cancel
		}
		next.UpdatedAt = e.now()
		if err := e.store.Apply(ctx, store.Txn{Employees: []store.EmployeeWrite{{Employee: next, ExpectVersion: employee.Version}}}); err != nil {
			return err
		}
		next.Version = employee.Version + 1
		result = ToggleResult{Employee: next, Changed: true}
		return nil
	})
	if undo != nil && (err != nil || !result.Changed) {
		undo()
	}
	if err != nil {
		return ToggleResult{}, err
	}
	if result.Changed {
		e.log.WithFields(logrus.Fields{
			"employee_id": employeeID,
			"state":       result.Employee.State(),
		}).Infof("employee %s", op)
	}
	if !result.Employee.Free() {
		return result, nil
	}

	pickup, err := e.AttemptAutoPickup(ctx, employeeID)
	if err != nil {
		e.log.WithError(err).WithField("employee_id", employeeID).Warn("pickup after availability change failed")
		return result, nil
	}
	result.Employee = pickup.Employee
	result.Ticket = pickup.Ticket
	if result.Ticket == nil && result.Employee.CurrentTicketID != "" {
		// another process claimed work for the employee after our write
		result.Ticket = e.servingTicket(ctx, result.Employee)
	}
	return result, nil
}

// servingTicket loads the ticket employee is serving. It returns nil when
// the ticket can't be read or has moved on.
func (e *Engine) servingTicket(ctx context.Context, employee models.Employee) *models.Ticket {
	ticket, err := e.store.GetTicket(ctx, employee.CurrentTicketID)
	if err != nil {
		e.log.WithError(err).WithField("employee_id", employee.EmployeeID).Debug("current ticket not readable")
		return nil
	}
	if ticket.Status != models.StatusBeingServed || ticket.ServedBy != employee.EmployeeID {
		return nil
	}
	return &ticket
}
