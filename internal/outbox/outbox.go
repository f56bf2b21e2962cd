// Package outbox implements the transactional outbox: events are committed in
// the same database transaction as the aggregate state they describe, and a
// background relay later turns the rows into live bus events. This removes
// the dual-write problem at the cost of at-least-once delivery, which every
// consumer must tolerate.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clearledger/transferer/internal/event"
)

// Row is one durable outbox record. A row is written exactly once; the only
// later mutation is setting ProcessedAt, and deletion happens only through
// retention cleanup.
type Row struct {
	ID          int64
	EventID     uuid.UUID
	EventType   event.Type
	AggregateID string
	EventData   []byte
	OccurredAt  time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

func rowFromEvent(evt event.Event) (*Row, error) {
	data, err := json.Marshal(evt.Body)
	if err != nil {
		return nil, fmt.Errorf("rowFromEvent: marshal %s: %w", evt.Type, err)
	}
	return &Row{
		EventID:     evt.ID,
		EventType:   evt.Type,
		AggregateID: evt.AggregateID,
		EventData:   data,
		OccurredAt:  evt.OccurredAt,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (r *Row) toEvent() (event.Event, error) {
	body, err := event.DecodeBody(r.EventType, r.EventData)
	if err != nil {
		return event.Event{}, fmt.Errorf("toEvent: row %d: %w", r.ID, err)
	}
	return event.Event{
		ID:          r.EventID,
		Type:        r.EventType,
		AggregateID: r.AggregateID,
		OccurredAt:  r.OccurredAt,
		Body:        body,
	}, nil
}
