package postgres

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
)

// notify queues event on the change channel; Postgres delivers it on commit.
// Records too large for a notification go out bare and are re-read by the
// listener.
func (s *Store) notify(ctx context.Context, tx pgx.Tx, event store.ChangeEvent) error {
	payload, err := store.EncodeChange(event)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		bare := event
		bare.Ticket = nil
		bare.Employee = nil
		if payload, err = jsonBytes(bare); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload))
	return err
}

// Subscribe takes a connection out of the pool, LISTENs on it and feeds fn
// from a goroutine until the returned func is called. If the connection
// dies the next Ping reports the store unavailable so the caller can
// subscribe again.
func (s *Store) Subscribe(ctx context.Context, fn func(store.ChangeEvent)) (func(), error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(err)
	}
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, classify(err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.listen(listenCtx, conn, fn)
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (s *Store) listen(ctx context.Context, conn *pgx.Conn, fn func(store.ChangeEvent)) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.lost.Store(true)
			s.log.WithError(err).Warn("change listener lost")
			return
		}
		event, err := s.decode(ctx, []byte(notification.Payload))
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable change")
			continue
		}
		fn(event)
	}
}

func (s *Store) decode(ctx context.Context, payload []byte) (store.ChangeEvent, error) {
	var event store.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return store.ChangeEvent{}, err
	}
	switch {
	case event.Kind == store.ChangeTicket && event.Ticket == nil:
		ticket, err := s.GetTicket(ctx, event.ID)
		if err != nil {
			return store.ChangeEvent{}, err
		}
		// A newer write may already be visible; report what is stored now.
		return store.TicketChanged(ticket), nil
	case event.Kind == store.ChangeEmployee && event.Employee == nil:
		employee, err := s.GetEmployee(ctx, event.ID)
		if err != nil {
			return store.ChangeEvent{}, err
		}
		return store.EmployeeChanged(employee), nil
	}
	return store.DecodeChange(payload)
}
