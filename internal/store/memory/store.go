// Package memory is a process-local Store used by tests and by
// STORE_BACKEND=memory single-node deployments.
package memory

import (
	"context"
	"slices"
	"sync"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	tickets     map[string]models.Ticket
	employees   map[string]models.Employee
	sequences   map[string]int
	derivations []models.DerivationRecord
	subs        map[int]func(store.ChangeEvent)
	nextSub     int
	unavailable bool
	applyHook   func(store.Txn)
}

func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:     c,
		tickets:   make(map[string]models.Ticket),
		employees: make(map[string]models.Employee),
		sequences: make(map[string]int),
		subs:      make(map[int]func(store.ChangeEvent)),
	}
}

// SetUnavailable makes every call fail with store.ErrUnavailable.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// SetApplyHook runs fn at the start of every Apply, before the store lock is
// taken. Tests use it to interleave a competing writer.
func (s *Store) SetApplyHook(fn func(store.Txn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyHook = fn
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return models.Ticket{}, store.ErrUnavailable
	}
	now := s.clock.Now()
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	day := input.Day
	if day == "" {
		day = createdAt.Format("2006-01-02")
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	s.sequences[day]++
	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		DisplayNumber:  s.sequences[day],
		Day:            day,
		ServiceType:    input.ServiceType,
		ServiceSubtype: input.ServiceSubtype,
		Status:         models.StatusWaiting,
		QueueType:      models.QueueGeneral,
		Priority:       priority,
		CreatedAt:      createdAt,
		Version:        1,
		UpdatedAt:      now,
	}
	s.tickets[ticket.TicketID] = ticket
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, []store.ChangeEvent{store.TicketChanged(ticket)})
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return models.Ticket{}, store.ErrUnavailable
	}
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, store.ErrUnavailable
	}
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if filter.Match(ticket) {
			tickets = append(tickets, ticket)
		}
	}
	slices.SortFunc(tickets, store.ByCreation)
	return tickets, nil
}

func (s *Store) CreateEmployee(ctx context.Context, input store.CreateEmployeeInput) (models.Employee, error) {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return models.Employee{}, store.ErrUnavailable
	}
	now := s.clock.Now()
	id := input.EmployeeID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	employee := models.Employee{
		EmployeeID: id,
		Name:       input.Name,
		IsActive:   false,
		IsPaused:   true,
		CreatedAt:  createdAt,
		Version:    1,
		UpdatedAt:  now,
	}
	if _, exists := s.employees[id]; exists {
		s.mu.Unlock()
		return models.Employee{}, store.ErrConflict
	}
	s.employees[id] = employee
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, []store.ChangeEvent{store.EmployeeChanged(employee)})
	return employee, nil
}

func (s *Store) GetEmployee(ctx context.Context, employeeID string) (models.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return models.Employee{}, store.ErrUnavailable
	}
	employee, ok := s.employees[employeeID]
	if !ok {
		return models.Employee{}, store.EmployeeNotFound(employeeID)
	}
	return employee, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, store.ErrUnavailable
	}
	employees := make([]models.Employee, 0, len(s.employees))
	for _, employee := range s.employees {
		employees = append(employees, employee)
	}
	slices.SortFunc(employees, func(a, b models.Employee) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.EmployeeID < b.EmployeeID:
			return -1
		case a.EmployeeID > b.EmployeeID:
			return 1
		default:
			return 0
		}
	})
	return employees, nil
}

func (s *Store) Apply(ctx context.Context, txn store.Txn) error {
	s.mu.Lock()
	hook := s.applyHook
	s.mu.Unlock()
	if hook != nil {
		hook(txn)
	}

	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return store.ErrUnavailable
	}
	for _, write := range txn.Tickets {
		current, ok := s.tickets[write.Ticket.TicketID]
		if !ok {
			s.mu.Unlock()
			return store.TicketNotFound(write.Ticket.TicketID)
		}
		if current.Version != write.ExpectVersion {
			s.mu.Unlock()
			return store.ErrConflict
		}
		if write.ExpectStatus != "" && current.Status != write.ExpectStatus {
			s.mu.Unlock()
			return store.ErrConflict
		}
	}
	for _, write := range txn.Employees {
		current, ok := s.employees[write.Employee.EmployeeID]
		if !ok {
			s.mu.Unlock()
			return store.EmployeeNotFound(write.Employee.EmployeeID)
		}
		if current.Version != write.ExpectVersion {
			s.mu.Unlock()
			return store.ErrConflict
		}
	}

	now := s.clock.Now()
	events := make([]store.ChangeEvent, 0, len(txn.Tickets)+len(txn.Employees))
	for _, write := range txn.Tickets {
		ticket := write.Ticket
		ticket.Version = write.ExpectVersion + 1
		ticket.UpdatedAt = now
		s.tickets[ticket.TicketID] = ticket
		events = append(events, store.TicketChanged(ticket))
	}
	for _, write := range txn.Employees {
		employee := write.Employee
		employee.Version = write.ExpectVersion + 1
		employee.UpdatedAt = now
		s.employees[employee.EmployeeID] = employee
		events = append(events, store.EmployeeChanged(employee))
	}
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, events)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, fn func(store.ChangeEvent)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, store.ErrUnavailable
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}, nil
}

func (s *Store) AppendDerivation(ctx context.Context, record models.DerivationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return store.ErrUnavailable
	}
	s.derivations = append(s.derivations, record)
	return nil
}

func (s *Store) Derivations() []models.DerivationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.derivations)
}

func (s *Store) subscribers() []func(store.ChangeEvent) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(store.ChangeEvent), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	return subs
}

func notify(subs []func(store.ChangeEvent), events []store.ChangeEvent) {
	for _, event := range events {
		for _, fn := range subs {
			fn(event)
		}
	}
}

func (s *Store) ListDerivations(ctx context.Context, ticketID string) ([]models.DerivationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, store.ErrUnavailable
	}
	var records []models.DerivationRecord
	for _, record := range s.derivations {
		if record.TicketID == ticketID {
			records = append(records, record)
		}
	}
	return records, nil
}
