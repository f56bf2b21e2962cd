package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/clearledger/transferer/internal/event"
)

type rowAppender interface {
	Append(ctx context.Context, tx *sql.Tx, rows ...*Row) error
}

// Publisher is the write path for every state change that emits events: the
// aggregate save and the outbox rows commit in one transaction, so either
// both are visible or neither is.
type Publisher struct {
	db   *sql.DB
	rows rowAppender
	bus  *event.Bus
}

func NewPublisher(db *sql.DB, rows rowAppender, bus *event.Bus) *Publisher {
	return &Publisher{db: db, rows: rows, bus: bus}
}

// SaveAndPublish runs the save callback in a transaction and appends one
// outbox row per returned event before committing. The callback builds its
// events from state it just wrote, so bodies always reflect the committed
// values. After a successful commit the in-process bus is notified directly;
// that notification is best-effort and outside the atomic guarantee, the
// outbox relay redelivers if it is lost.
func (p *Publisher) SaveAndPublish(ctx context.Context, save func(tx *sql.Tx) ([]event.Event, error)) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveAndPublish: begin tx: %w", err)
	}
	defer tx.Rollback()

	events, err := save(tx)
	if err != nil {
		return fmt.Errorf("SaveAndPublish: %w", err)
	}

	rows := make([]*Row, 0, len(events))
	for _, evt := range events {
		row, err := rowFromEvent(evt)
		if err != nil {
			return fmt.Errorf("SaveAndPublish: %w", err)
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		if err := p.rows.Append(ctx, tx, rows...); err != nil {
			return fmt.Errorf("SaveAndPublish: append outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveAndPublish: commit: %w", err)
	}

	p.bus.Publish(ctx, events...)
	return nil
}
