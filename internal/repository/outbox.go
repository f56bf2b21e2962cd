package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clearledger/transferer/internal/outbox"
)

const outboxColumns = `id, event_id, event_type, aggregate_id, event_data,
	occurred_at, processed_at, created_at`

type OutboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Append inserts the rows inside the caller's transaction so they commit or
// roll back together with the aggregate writes.
func (r *OutboxRepository) Append(ctx context.Context, tx *sql.Tx, rows ...*outbox.Row) error {
	for _, row := range rows {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO outbox_events (
				event_id, event_type, aggregate_id, event_data, occurred_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			row.EventID.String(), row.EventType, row.AggregateID,
			string(row.EventData), row.OccurredAt, row.CreatedAt,
		).Scan(&row.ID)
		if err != nil {
			return fmt.Errorf("Append: event %s: %w", row.EventID, err)
		}
	}
	return nil
}

// ListUnprocessed returns up to limit pending rows in occurrence order, which
// preserves per-aggregate publish order on replay.
func (r *OutboxRepository) ListUnprocessed(ctx context.Context, limit int) ([]*outbox.Row, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY occurred_at, id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListUnprocessed: %w", err)
	}
	return collectOutboxRows(rows, "ListUnprocessed")
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = $1 WHERE id = $2 AND processed_at IS NULL`,
		processedAt, id,
	)
	if err != nil {
		return fmt.Errorf("MarkProcessed: row %d: %w", id, err)
	}
	return nil
}

// DeleteProcessedBefore removes rows whose processing happened before cutoff.
// Retention counts from processed_at, not occurred_at, so a row that waited a
// long time to be delivered still gets the full replay window afterwards.
// Unprocessed rows never match and are kept indefinitely.
func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("DeleteProcessedBefore: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("DeleteProcessedBefore: rows affected: %w", err)
	}
	return deleted, nil
}

func (r *OutboxRepository) ListByAggregate(ctx context.Context, aggregateID string) ([]*outbox.Row, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events
		WHERE aggregate_id = $1
		ORDER BY occurred_at, id`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByAggregate: %w", err)
	}
	return collectOutboxRows(rows, "ListByAggregate")
}

func collectOutboxRows(rows *sql.Rows, op string) ([]*outbox.Row, error) {
	defer rows.Close()

	var result []*outbox.Row
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return result, nil
}

func scanOutboxRow(s scanner) (*outbox.Row, error) {
	var (
		row       outbox.Row
		eventData string
	)
	err := s.Scan(
		&row.ID, &row.EventID, &row.EventType, &row.AggregateID, &eventData,
		&row.OccurredAt, &row.ProcessedAt, &row.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	row.EventData = []byte(eventData)
	return &row, nil
}
