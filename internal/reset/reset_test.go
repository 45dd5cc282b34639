package reset

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"

	"github.com/sirupsen/logrus/hooks/test"
)

type setup struct {
	ctx   context.Context
	clock *clock.Fake
	store *memory.Store
	eng   *engine.Engine
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	c := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := memory.New(c)
	logger, _ := test.NewNullLogger()
	eng := engine.New(st, engine.Options{Clock: c, Logger: logger, Location: time.UTC})
	return &setup{ctx: context.Background(), clock: c, store: st, eng: eng}
}

func (s *setup) job(t *testing.T, closer Closer) *Job {
	t.Helper()
	if closer == nil {
		closer = s.eng
	}
	logger, _ := test.NewNullLogger()
	job, err := New(closer, Options{Location: time.UTC, Clock: s.clock, Logger: logger, CatchUp: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return job
}

// serving connects an employee and gives it a fresh ticket.
func (s *setup) serving(t *testing.T, employeeID string) models.Ticket {
	t.Helper()
	if _, err := s.eng.RegisterEmployee(s.ctx, employeeID, employeeID); err != nil {
		t.Fatalf("RegisterEmployee: %v", err)
	}
	if _, err := s.eng.Connect(s.ctx, employeeID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ticket, err := s.eng.CreateTicket(s.ctx, engine.NewTicket{ServiceType: "cashier"})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	result, err := s.eng.AttemptAutoAssign(s.ctx, ticket.TicketID)
	if err != nil || result.Employee == nil || result.Employee.EmployeeID != employeeID {
		t.Fatalf("ticket not assigned to %s: %+v %v", employeeID, result, err)
	}
	return result.Ticket
}

func TestRunOnceClosesServedTickets(t *testing.T) {
	s := newSetup(t)
	ticket := s.serving(t, "a")
	s.clock.Set(time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC))

	report, err := s.job(t, nil).RunOnce(s.ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Closed != 1 || report.Failed != 0 {
		t.Fatalf("report=%+v", report)
	}

	closed, _ := s.store.GetTicket(s.ctx, ticket.TicketID)
	if closed.Status != models.StatusCompleted || closed.CompletionComment != engine.ResetComment {
		t.Fatalf("ticket=%+v", closed)
	}
	employee, _ := s.store.GetEmployee(s.ctx, "a")
	if employee.CurrentTicketID != "" || !employee.IsPaused || employee.IsActive {
		t.Fatalf("employee not paused after reset: %+v", employee)
	}
	if employee.TotalTicketsServed != 1 {
		t.Fatalf("served=%d, want 1", employee.TotalTicketsServed)
	}
}

type staleCloser struct {
	*engine.Engine
	tickets []models.Ticket
}

func (c staleCloser) Tickets(context.Context, store.TicketFilter) ([]models.Ticket, error) {
	return c.tickets, nil
}

func TestConcurrentResetsCountOnce(t *testing.T) {
	s := newSetup(t)
	s.serving(t, "a")
	snapshot, err := s.eng.Tickets(s.ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusBeingServed}})
	if err != nil {
		t.Fatalf("Tickets: %v", err)
	}

	if _, err := s.job(t, nil).RunOnce(s.ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// a second client acting on the snapshot it read before the first run
	report, err := s.job(t, staleCloser{Engine: s.eng, tickets: snapshot}).RunOnce(s.ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Skipped != 1 || report.Closed != 0 {
		t.Fatalf("report=%+v", report)
	}
	employee, _ := s.store.GetEmployee(s.ctx, "a")
	if employee.TotalTicketsServed != 1 {
		t.Fatalf("served=%d, want 1", employee.TotalTicketsServed)
	}
}

func TestCatchUpOnlyClosesTicketsFromBeforeBoundary(t *testing.T) {
	s := newSetup(t)
	old := s.serving(t, "a")
	s.clock.Set(time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC))
	fresh := s.serving(t, "b")
	s.clock.Set(time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC))

	report, err := s.job(t, nil).CatchUp(s.ctx)
	if err != nil {
		t.Fatalf("CatchUp: %v", err)
	}
	if report.Closed != 1 {
		t.Fatalf("report=%+v", report)
	}
	if got, _ := s.store.GetTicket(s.ctx, old.TicketID); got.Status != models.StatusCompleted {
		t.Fatalf("old ticket status=%s", got.Status)
	}
	if got, _ := s.store.GetTicket(s.ctx, fresh.TicketID); got.Status != models.StatusBeingServed {
		t.Fatalf("fresh ticket status=%s", got.Status)
	}
}

func TestBoundaries(t *testing.T) {
	s := newSetup(t)
	job := s.job(t, nil)

	next := job.NextBoundary(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%s, want %s", next, want)
	}
	prev, ok := job.PreviousBoundary(time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC))
	if want := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC); !ok || !prev.Equal(want) {
		t.Fatalf("prev=%s ok=%v, want %s", prev, ok, want)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(nil, Options{Schedule: "every day"}); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartRunsCatchUpAndStops(t *testing.T) {
	s := newSetup(t)
	ticket := s.serving(t, "a")
	s.clock.Set(time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.job(t, nil).Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := s.store.GetTicket(s.ctx, ticket.TicketID)
		if got.Status == models.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catch-up did not close ticket, status=%s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start err=%v", err)
	}
}
