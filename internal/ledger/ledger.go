package ledger

import (
	"context"
	"database/sql"
	"time"

	"kiosknet/internal/models"
	"kiosknet/libs/db"
)

// Entry is one recorded print-job disposition.
type Entry struct {
	ID          int64              `db:"id"`
	JobID       string             `db:"job_id"`
	UserID      string             `db:"user_id"`
	ComputerID  string             `db:"computer_id"`
	Document    string             `db:"document"`
	Pages       int                `db:"pages"`
	Copies      int                `db:"copies"`
	Cost        float64            `db:"cost"`
	Disposition models.Disposition `db:"disposition"`
	CreatedAt   time.Time          `db:"created_at"`
}

// Ledger is the operator-side durable record of print charges. Every job
// disposition is appended here so a charge survives a kiosk crash and
// escaped-job debt stays auditable.
type Ledger struct {
	db *sql.DB
}

// Open connects to the operator database.
func Open(dsn string) (*Ledger, error) {
	sqlDB, err := db.NewPostgresDB(dsn)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: sqlDB}, nil
}

// RecordJob appends one disposition row.
func (l *Ledger) RecordJob(ctx context.Context, computerID string, userID string, job models.PrintJob) error {
	const query = `
		INSERT INTO print_ledger (job_id, user_id, computer_id, document, pages, copies, cost, disposition, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	_, err := l.db.ExecContext(ctx, query,
		job.ID,
		userID,
		computerID,
		job.DocumentName,
		job.Pages,
		job.Copies,
		job.Cost,
		string(job.Disposition),
	)
	return err
}

// ListByUser returns the latest entries for a user.
func (l *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, job_id, user_id, computer_id, document, pages, copies, cost, disposition, created_at
		FROM print_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := l.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var disposition string
		if err := rows.Scan(
			&e.ID,
			&e.JobID,
			&e.UserID,
			&e.ComputerID,
			&e.Document,
			&e.Pages,
			&e.Copies,
			&e.Cost,
			&disposition,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Disposition = models.Disposition(disposition)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the database pool.
func (l *Ledger) Close() error {
	return l.db.Close()
}
