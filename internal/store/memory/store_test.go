package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC))
	return New(fake), fake
}

func TestCreateTicketNumbersPerDay(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	first, err := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier", Day: "2026-02-09"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, _ := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier", Day: "2026-02-09"})
	nextDay, _ := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier", Day: "2026-02-10"})

	if first.DisplayNumber != 1 || second.DisplayNumber != 2 {
		t.Fatalf("expected 1 and 2, got %d and %d", first.DisplayNumber, second.DisplayNumber)
	}
	if nextDay.DisplayNumber != 1 {
		t.Fatalf("expected sequence reset on new day, got %d", nextDay.DisplayNumber)
	}
	if first.Status != models.StatusWaiting || first.QueueType != models.QueueGeneral {
		t.Fatalf("new ticket must be waiting in the general queue: %+v", first)
	}
	if first.Priority != models.PriorityNormal {
		t.Fatalf("expected default priority normal, got %s", first.Priority)
	}
}

func TestCreateEmployeeStartsOffline(t *testing.T) {
	st, _ := newTestStore(t)
	emp, err := st.CreateEmployee(context.Background(), store.CreateEmployeeInput{EmployeeID: "e-1", Name: "Ana"})
	if err != nil {
		t.Fatalf("create employee: %v", err)
	}
	if emp.State() != models.StateOffline || emp.IsActive || !emp.IsPaused {
		t.Fatalf("unexpected initial employee: %+v", emp)
	}
	if _, err := st.CreateEmployee(context.Background(), store.CreateEmployeeInput{EmployeeID: "e-1"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	ticket, _ := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier"})
	emp, _ := st.CreateEmployee(ctx, store.CreateEmployeeInput{EmployeeID: "e-1"})

	claimed := ticket
	claimed.Status = models.StatusBeingServed
	claimed.ServedBy = emp.EmployeeID
	busy := emp
	busy.CurrentTicketID = ticket.TicketID

	err := st.Apply(ctx, store.Txn{
		Tickets:   []store.TicketWrite{{Ticket: claimed, ExpectVersion: ticket.Version}},
		Employees: []store.EmployeeWrite{{Employee: busy, ExpectVersion: emp.Version + 7}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := st.GetTicket(ctx, ticket.TicketID)
	if got.Status != models.StatusWaiting || got.Version != ticket.Version {
		t.Fatalf("ticket must be untouched after a failed txn: %+v", got)
	}

	err = st.Apply(ctx, store.Txn{
		Tickets:   []store.TicketWrite{{Ticket: claimed, ExpectVersion: ticket.Version, ExpectStatus: models.StatusWaiting}},
		Employees: []store.EmployeeWrite{{Employee: busy, ExpectVersion: emp.Version}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ = st.GetTicket(ctx, ticket.TicketID)
	if got.Status != models.StatusBeingServed || got.Version != ticket.Version+1 {
		t.Fatalf("unexpected ticket after apply: %+v", got)
	}
}

func TestApplyExpectStatusGuard(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	ticket, _ := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier"})

	done := ticket
	done.Status = models.StatusCompleted
	err := st.Apply(ctx, store.Txn{Tickets: []store.TicketWrite{{Ticket: done, ExpectVersion: ticket.Version, ExpectStatus: models.StatusBeingServed}}})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict from status guard, got %v", err)
	}
}

func TestSubscribeReceivesChangesInOrder(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	var events []store.ChangeEvent
	unsubscribe, err := st.Subscribe(ctx, func(ev store.ChangeEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ticket, _ := st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier"})
	_, _ = st.CreateEmployee(ctx, store.CreateEmployeeInput{EmployeeID: "e-1"})
	unsubscribe()
	_, _ = st.CreateTicket(ctx, store.CreateTicketInput{ServiceType: "cashier"})

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != store.ChangeTicket || events[0].ID != ticket.TicketID {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != store.ChangeEmployee || events[1].ID != "e-1" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	st.SetUnavailable(true)
	if _, err := st.CreateTicket(ctx, store.CreateTicketInput{}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := st.Ping(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected unavailable ping, got %v", err)
	}
}
