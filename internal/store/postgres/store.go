// Package postgres is the shared Store: optimistic writes are guarded by a
// version column and every committed change is published with pg_notify.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/clock"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	DefaultChannel = "queue_engine_changes"

	// pg_notify rejects payloads of 8000 bytes or more.
	maxNotifyPayload = 7900

	uniqueViolation = "23505"
)

const ticketColumns = `ticket_id, display_number, day, service_type, service_subtype, status, queue_type,
	assigned_to_employee, served_by, priority, created_at, served_at, completed_at, cancelled_at,
	service_time_seconds, total_time_seconds, derivation_id, derivation_count,
	derived_from, derived_from_version, completion_comment, cancel_reason, cancel_comment, version, updated_at`

const employeeColumns = `employee_id, name, is_active, is_paused, is_online, pending_offline, current_ticket_id,
	total_tickets_served, total_tickets_cancelled, created_at, version, updated_at`

type Store struct {
	pool    *pgxpool.Pool
	channel string
	clock   clock.Clock
	log     logrus.FieldLogger

	// lost is set when a LISTEN connection dies so Ping can report it once.
	lost atomic.Bool
	wg   sync.WaitGroup
}

type Options struct {
	Channel string
	Clock   clock.Clock
	Logger  logrus.FieldLogger
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	channel := options.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	c := options.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		pool:    pool,
		channel: channel,
		clock:   c,
		log:     logger.WithField("component", "postgres"),
	}
}

// Connect opens a pool and checks it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, store.Unavailable(err)
	}
	return pool, nil
}

// Close waits for listeners started by Subscribe to exit.
func (s *Store) Close() {
	s.wg.Wait()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Unavailable(err)
	}
	if s.lost.Swap(false) {
		return store.Unavailable(errors.New("change listener lost"))
	}
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	now := s.now()
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	number, err := nextDisplayNumber(ctx, tx, day)
	if err != nil {
		return models.Ticket{}, classify(err)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, display_number, day, service_type, service_subtype, status, queue_type,
			priority, created_at, version, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10)
		RETURNING `+ticketColumns,
		uuid.NewString(), number, day, input.ServiceType, input.ServiceSubtype,
		models.StatusWaiting, models.QueueGeneral, priority, createdAt, now)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, classify(err)
	}
	if err = s.notify(ctx, tx, store.TicketChanged(ticket)); err != nil {
		return models.Ticket{}, classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, classify(err)
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}
	if err != nil {
		return models.Ticket{}, classify(err)
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if filter.QueueType != "" {
		where = append(where, "queue_type = "+arg(string(filter.QueueType)))
	}
	if filter.AssignedTo != "" {
		where = append(where, "assigned_to_employee = "+arg(filter.AssignedTo))
	}
	if filter.ServedBy != "" {
		where = append(where, "served_by = "+arg(filter.ServedBy))
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, display_number, ticket_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	tickets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Ticket, error) {
		return scanTicket(row)
	})
	if err != nil {
		return nil, classify(err)
	}
	return tickets, nil
}

func (s *Store) CreateEmployee(ctx context.Context, input store.CreateEmployeeInput) (models.Employee, error) {
	now := s.now()
	id := input.EmployeeID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Employee{}, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO employees (employee_id, name, is_active, is_paused, is_online, created_at, version, updated_at)
		VALUES ($1, $2, false, true, false, $3, 1, $4)
		RETURNING `+employeeColumns, id, input.Name, createdAt, now)
	employee, err := scanEmployee(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Employee{}, store.ErrConflict
		}
		return models.Employee{}, classify(err)
	}
	if err = s.notify(ctx, tx, store.EmployeeChanged(employee)); err != nil {
		return models.Employee{}, classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Employee{}, classify(err)
	}
	return employee, nil
}

func (s *Store) GetEmployee(ctx context.Context, employeeID string) (models.Employee, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+employeeColumns+` FROM employees WHERE employee_id = $1`, employeeID)
	employee, err := scanEmployee(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Employee{}, store.EmployeeNotFound(employeeID)
	}
	if err != nil {
		return models.Employee{}, classify(err)
	}
	return employee, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+employeeColumns+` FROM employees ORDER BY created_at, employee_id`)
	if err != nil {
		return nil, classify(err)
	}
	employees, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Employee, error) {
		return scanEmployee(row)
	})
	if err != nil {
		return nil, classify(err)
	}
	return employees, nil
}

// Apply runs every write of txn in one transaction. A write whose version
// (or expected status) no longer matches aborts the whole transaction with
// store.ErrConflict.
func (s *Store) Apply(ctx context.Context, txn store.Txn) (err error) {
	if txn.Empty() {
		return nil
	}
	now := s.now()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	events := make([]store.ChangeEvent, 0, len(txn.Tickets)+len(txn.Employees))
	for _, write := range txn.Tickets {
		ticket, err := updateTicket(ctx, tx, write, now)
		if err != nil {
			return err
		}
		events = append(events, store.TicketChanged(ticket))
	}
	for _, write := range txn.Employees {
		employee, err := updateEmployee(ctx, tx, write, now)
		if err != nil {
			return err
		}
		events = append(events, store.EmployeeChanged(employee))
	}
	for _, event := range events {
		if err := s.notify(ctx, tx, event); err != nil {
			return classify(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func updateTicket(ctx context.Context, tx pgx.Tx, write store.TicketWrite, now time.Time) (models.Ticket, error) {
	t := write.Ticket
	row := tx.QueryRow(ctx, `
		UPDATE tickets SET
			service_type = $4, service_subtype = $5, status = $6, queue_type = $7,
			assigned_to_employee = $8, served_by = $9, priority = $10,
			served_at = $11, completed_at = $12, cancelled_at = $13,
			service_time_seconds = $14, total_time_seconds = $15,
			derivation_id = $16, derivation_count = $17,
			derived_from = $18, derived_from_version = $19,
			completion_comment = $20, cancel_reason = $21, cancel_comment = $22,
			version = version + 1, updated_at = $23
		WHERE ticket_id = $1 AND version = $2 AND ($3 = '' OR status = $3)
		RETURNING `+ticketColumns,
		t.TicketID, write.ExpectVersion, string(write.ExpectStatus),
		t.ServiceType, t.ServiceSubtype, t.Status, t.QueueType,
		nullIfEmpty(t.AssignedToEmployee), nullIfEmpty(t.ServedBy), t.Priority,
		t.ServedAt, t.CompletedAt, t.CancelledAt,
		t.ServiceTimeSeconds, t.TotalTimeSeconds,
		t.DerivationID, t.DerivationCount,
		t.DerivedFrom, t.DerivedFromVersion,
		t.CompletionComment, t.CancelReason, t.CancelComment,
		now)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, missingOrConflict(ctx, tx, `SELECT 1 FROM tickets WHERE ticket_id = $1`, t.TicketID, store.TicketNotFound(t.TicketID))
	}
	if err != nil {
		return models.Ticket{}, classify(err)
	}
	return ticket, nil
}

func updateEmployee(ctx context.Context, tx pgx.Tx, write store.EmployeeWrite, now time.Time) (models.Employee, error) {
	e := write.Employee
	row := tx.QueryRow(ctx, `
		UPDATE employees SET
			name = $3, is_active = $4, is_paused = $5, is_online = $6, pending_offline = $7,
			current_ticket_id = $8, total_tickets_served = $9, total_tickets_cancelled = $10,
			version = version + 1, updated_at = $11
		WHERE employee_id = $1 AND version = $2
		RETURNING `+employeeColumns,
		e.EmployeeID, write.ExpectVersion,
		e.Name, e.IsActive, e.IsPaused, e.IsOnline, e.PendingOffline,
		nullIfEmpty(e.CurrentTicketID), e.TotalTicketsServed, e.TotalTicketsCancelled,
		now)
	employee, err := scanEmployee(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Employee{}, missingOrConflict(ctx, tx, `SELECT 1 FROM employees WHERE employee_id = $1`, e.EmployeeID, store.EmployeeNotFound(e.EmployeeID))
	}
	if err != nil {
		return models.Employee{}, classify(err)
	}
	return employee, nil
}

// missingOrConflict tells a lost version race apart from a missing record.
func missingOrConflict(ctx context.Context, tx pgx.Tx, query, id string, notFound error) error {
	var one int
	err := tx.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return classify(err)
	}
	return store.ErrConflict
}

func (s *Store) AppendDerivation(ctx context.Context, record models.DerivationRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO derivation_records (
			derivation_id, ticket_id, from_employee_id, to_employee_id, derivation_type,
			reason, comment, priority, parked, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (derivation_id) DO NOTHING
	`, record.DerivationID, record.TicketID, record.FromEmployeeID, record.ToEmployeeID, record.DerivationType,
		record.Reason, record.Comment, record.Priority, record.Parked, record.CreatedAt)
	return classify(err)
}

func (s *Store) ListDerivations(ctx context.Context, ticketID string) ([]models.DerivationRecord, error) {
	if _, err := uuid.Parse(ticketID); err != nil {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT derivation_id, ticket_id, from_employee_id, to_employee_id, derivation_type,
			reason, comment, priority, parked, created_at
		FROM derivation_records
		WHERE ticket_id = $1
		ORDER BY created_at, derivation_id
	`, ticketID)
	if err != nil {
		return nil, classify(err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DerivationRecord, error) {
		var record models.DerivationRecord
		var toEmployee sql.NullString
		err := row.Scan(&record.DerivationID, &record.TicketID, &record.FromEmployeeID, &toEmployee,
			&record.DerivationType, &record.Reason, &record.Comment, &record.Priority, &record.Parked, &record.CreatedAt)
		record.ToEmployeeID = nullStringPtr(toEmployee)
		return record, err
	})
	if err != nil {
		return nil, classify(err)
	}
	return records, nil
}

func nextDisplayNumber(ctx context.Context, tx pgx.Tx, day string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (day, next_number)
		VALUES ($1, 1)
		ON CONFLICT (day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var assignedTo, servedBy sql.NullString
	var servedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&ticket.TicketID, &ticket.DisplayNumber, &ticket.Day, &ticket.ServiceType, &ticket.ServiceSubtype,
		&ticket.Status, &ticket.QueueType, &assignedTo, &servedBy, &ticket.Priority, &ticket.CreatedAt,
		&servedAt, &completedAt, &cancelledAt, &ticket.ServiceTimeSeconds, &ticket.TotalTimeSeconds,
		&ticket.DerivationID, &ticket.DerivationCount, &ticket.DerivedFrom, &ticket.DerivedFromVersion,
		&ticket.CompletionComment, &ticket.CancelReason,
		&ticket.CancelComment, &ticket.Version, &ticket.UpdatedAt,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.AssignedToEmployee = assignedTo.String
	ticket.ServedBy = servedBy.String
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	return ticket, nil
}

func scanEmployee(row pgx.Row) (models.Employee, error) {
	var employee models.Employee
	var current sql.NullString
	err := row.Scan(
		&employee.EmployeeID, &employee.Name, &employee.IsActive, &employee.IsPaused, &employee.IsOnline,
		&employee.PendingOffline, &current, &employee.TotalTicketsServed, &employee.TotalTicketsCancelled,
		&employee.CreatedAt, &employee.Version, &employee.UpdatedAt,
	)
	if err != nil {
		return models.Employee{}, err
	}
	employee.CurrentTicketID = current.String
	return employee, nil
}

// classify marks everything that is not a server-side SQL error as a
// connectivity failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		return err
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, context.Canceled):
		return err
	default:
		return store.Unavailable(err)
	}
}

func jsonBytes(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
