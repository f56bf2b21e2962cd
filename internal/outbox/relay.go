package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearledger/transferer/internal/event"
)

type rowStore interface {
	ListUnprocessed(ctx context.Context, limit int) ([]*Row, error)
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Relay drains unprocessed outbox rows onto the in-process bus. Marking a row
// processed happens only after its event was published, so a crash between the
// two replays the event on the next poll. Consumers see at-least-once.
type Relay struct {
	store           rowStore
	bus             *event.Bus
	pollInterval    time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	batchSize       int
	logger          *slog.Logger
}

func NewRelay(store rowStore, bus *event.Bus, pollInterval, cleanupInterval, retention time.Duration, batchSize int, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:           store,
		bus:             bus,
		pollInterval:    pollInterval,
		cleanupInterval: cleanupInterval,
		retention:       retention,
		batchSize:       batchSize,
		logger:          logger,
	}
}

// Run polls the outbox until ctx is cancelled. Poll errors are logged and the
// next tick retries; the loop itself never dies.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if err := r.PollOnce(ctx); err != nil {
				r.logger.Error("outbox poll failed", "error", err)
			}
		}
	}
}

// RunCleanup deletes processed rows older than the retention window on a slow
// ticker until ctx is cancelled.
func (r *Relay) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.CleanupOnce(ctx); err != nil {
				r.logger.Error("outbox cleanup failed", "error", err)
			}
		}
	}
}

// PollOnce fetches one batch of unprocessed rows in occurrence order, publishes
// each and marks it processed. A row that cannot be decoded is logged and
// skipped for this pass so it does not wedge the rows behind it.
func (r *Relay) PollOnce(ctx context.Context) error {
	rows, err := r.store.ListUnprocessed(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("PollOnce: %w", err)
	}

	for _, row := range rows {
		evt, err := row.toEvent()
		if err != nil {
			r.logger.Error("skipping undecodable outbox row",
				"row_id", row.ID,
				"event_type", row.EventType,
				"error", err,
			)
			continue
		}

		r.bus.Publish(ctx, evt)

		if err := r.store.MarkProcessed(ctx, row.ID, time.Now().UTC()); err != nil {
			// The event already went out; failing here means it will be
			// republished next poll, which consumers must tolerate anyway.
			return fmt.Errorf("PollOnce: mark row %d: %w", row.ID, err)
		}
	}

	if len(rows) > 0 {
		r.logger.Debug("outbox batch relayed", "count", len(rows))
	}
	return nil
}

// CleanupOnce removes rows that were processed longer than the retention
// window ago. Unprocessed rows are never eligible.
func (r *Relay) CleanupOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.retention)
	deleted, err := r.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("CleanupOnce: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("outbox retention cleanup", "deleted", deleted, "cutoff", cutoff)
	}
	return nil
}
