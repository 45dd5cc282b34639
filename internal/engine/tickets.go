package engine

import (
	"context"
	"strings"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/sirupsen/logrus"
)

type NewTicket struct {
	ServiceType    string
	ServiceSubtype string
	Priority       models.Priority
}

// CreateTicket issues a waiting general-queue ticket numbered within the
// current day. Assignment happens when the change feed reports it.
func (e *Engine) CreateTicket(ctx context.Context, input NewTicket) (models.Ticket, error) {
	const op = "create_ticket"
	if err := e.writable(op); err != nil {
		return models.Ticket{}, err
	}
	serviceType := strings.TrimSpace(input.ServiceType)
	if serviceType == "" {
		return models.Ticket{}, invalid(op, "service type is required")
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !models.ValidPriority(priority) {
		return models.Ticket{}, invalid(op, "unknown priority %q", priority)
	}
	now := e.now()
	ticket, err := e.store.CreateTicket(ctx, store.CreateTicketInput{
		ServiceType:    serviceType,
		ServiceSubtype: strings.TrimSpace(input.ServiceSubtype),
		Priority:       priority,
		Day:            e.Day(now),
		CreatedAt:      now,
	})
	if err != nil {
		return models.Ticket{}, classify(op, err)
	}
	e.log.WithFields(logrus.Fields{
		"ticket_id": ticket.TicketID,
		"number":    ticket.DisplayNumber,
		"service":   ticket.ServiceType,
	}).Info("ticket created")
	return ticket, nil
}

// RegisterEmployee adds an employee to the directory. It starts Offline.
func (e *Engine) RegisterEmployee(ctx context.Context, employeeID, name string) (models.Employee, error) {
	const op = "register_employee"
	if err := e.writable(op); err != nil {
		return models.Employee{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Employee{}, invalid(op, "name is required")
	}
	employee, err := e.store.CreateEmployee(ctx, store.CreateEmployeeInput{
		EmployeeID: strings.TrimSpace(employeeID),
		Name:       name,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return models.Employee{}, classify(op, err)
	}
	return employee, nil
}

func (e *Engine) Ticket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	return ticket, classify("get_ticket", err)
}

func (e *Engine) Employee(ctx context.Context, employeeID string) (models.Employee, error) {
	employee, err := e.store.GetEmployee(ctx, employeeID)
	return employee, classify("get_employee", err)
}

func (e *Engine) Employees(ctx context.Context) ([]models.Employee, error) {
	employees, err := e.store.ListEmployees(ctx)
	return employees, classify("list_employees", err)
}

// Tickets lists tickets in creation order.
func (e *Engine) Tickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, filter)
	return tickets, classify("list_tickets", err)
}
