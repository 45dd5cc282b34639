package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"

	_ "modernc.org/sqlite"
)

// createdAtLayout is fixed width so created_at sorts as text in time order.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal is a local SQLite file holding derivation records.
type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit journal: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit journal: wal: %w", err)
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS derivation_records (
			derivation_id    TEXT PRIMARY KEY,
			ticket_id        TEXT NOT NULL,
			from_employee_id TEXT NOT NULL,
			to_employee_id   TEXT,
			derivation_type  TEXT NOT NULL,
			reason           TEXT NOT NULL DEFAULT '',
			comment          TEXT NOT NULL DEFAULT '',
			priority         TEXT NOT NULL DEFAULT 'normal',
			parked           INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_derivations_ticket ON derivation_records(ticket_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("audit journal: migrate: %w", err)
	}
	return nil
}

// AppendDerivation is idempotent on the derivation id, so a retried
// delivery never duplicates a record.
func (j *Journal) AppendDerivation(ctx context.Context, record models.DerivationRecord) error {
	parked := 0
	if record.Parked {
		parked = 1
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO derivation_records (derivation_id, ticket_id, from_employee_id, to_employee_id, derivation_type, reason, comment, priority, parked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(derivation_id) DO NOTHING`,
		record.DerivationID, record.TicketID, record.FromEmployeeID, record.ToEmployeeID, record.DerivationType,
		record.Reason, record.Comment, string(record.Priority), parked, record.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return fmt.Errorf("audit journal: append: %w", err)
	}
	return nil
}

func (j *Journal) ListDerivations(ctx context.Context, ticketID string) ([]models.DerivationRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT derivation_id, ticket_id, from_employee_id, to_employee_id, derivation_type, reason, comment, priority, parked, created_at
		FROM derivation_records
		WHERE ticket_id = ?
		ORDER BY created_at, derivation_id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("audit journal: list: %w", err)
	}
	defer rows.Close()

	var records []models.DerivationRecord
	for rows.Next() {
		var (
			record    models.DerivationRecord
			to        sql.NullString
			priority  string
			parked    int
			createdAt string
		)
		if err := rows.Scan(&record.DerivationID, &record.TicketID, &record.FromEmployeeID, &to, &record.DerivationType,
			&record.Reason, &record.Comment, &priority, &parked, &createdAt); err != nil {
			return nil, fmt.Errorf("audit journal: scan: %w", err)
		}
		if to.Valid {
			record.ToEmployeeID = &to.String
		}
		record.Priority = models.Priority(priority)
		record.Parked = parked == 1
		record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("audit journal: created_at: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
