package outbox_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/transferer/internal/event"
	"github.com/clearledger/transferer/internal/outbox"
	"github.com/clearledger/transferer/internal/repository"
	"github.com/clearledger/transferer/internal/testutil"
)

func appendRow(t *testing.T, db *sql.DB, repo *repository.OutboxRepository, row *outbox.Row) {
	t.Helper()
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Append(ctx, tx, row))
	require.NoError(t, tx.Commit())
}

func paymentInitiatedRow(occurredAt time.Time) *outbox.Row {
	paymentID := uuid.New()
	return &outbox.Row{
		EventID:     uuid.New(),
		EventType:   event.TypePaymentInitiated,
		AggregateID: paymentID.String(),
		EventData: []byte(`{
			"payment_id": "` + paymentID.String() + `",
			"sender_account_id": "` + uuid.NewString() + `",
			"recipient_account_id": "` + uuid.NewString() + `",
			"amount": "100.00"
		}`),
		OccurredAt: occurredAt,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestRelay_PollOnce_PublishesAndMarksProcessed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewOutboxRepository(db)
	bus := event.NewBus(nil)
	relay := outbox.NewRelay(repo, bus, time.Second, time.Hour, 24*time.Hour, 100, nil)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	older := paymentInitiatedRow(base)
	newer := paymentInitiatedRow(base.Add(time.Second))
	// Insert out of order; the relay must publish by occurrence time.
	appendRow(t, db, repo, newer)
	appendRow(t, db, repo, older)

	var delivered []uuid.UUID
	bus.Subscribe(event.TypePaymentInitiated, func(ctx context.Context, evt event.Event) error {
		delivered = append(delivered, evt.ID)
		return nil
	})

	require.NoError(t, relay.PollOnce(ctx))

	require.Len(t, delivered, 2)
	assert.Equal(t, older.EventID, delivered[0])
	assert.Equal(t, newer.EventID, delivered[1])

	remaining, err := repo.ListUnprocessed(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// A second poll has nothing left to deliver.
	require.NoError(t, relay.PollOnce(ctx))
	assert.Len(t, delivered, 2)
}

func TestRelay_PollOnce_SkipsUndecodableRow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewOutboxRepository(db)
	bus := event.NewBus(nil)
	relay := outbox.NewRelay(repo, bus, time.Second, time.Hour, 24*time.Hour, 100, nil)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	poison := &outbox.Row{
		EventID:     uuid.New(),
		EventType:   event.Type("NO_SUCH_EVENT"),
		AggregateID: uuid.NewString(),
		EventData:   []byte(`{}`),
		OccurredAt:  base,
		CreatedAt:   time.Now().UTC(),
	}
	good := paymentInitiatedRow(base.Add(time.Second))
	appendRow(t, db, repo, poison)
	appendRow(t, db, repo, good)

	var delivered int
	bus.Subscribe(event.TypePaymentInitiated, func(ctx context.Context, evt event.Event) error {
		delivered++
		return nil
	})

	require.NoError(t, relay.PollOnce(ctx))

	assert.Equal(t, 1, delivered)

	remaining, err := repo.ListUnprocessed(ctx, 100)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, poison.EventID, remaining[0].EventID)
}

func TestRelay_CleanupOnce_RespectsRetention(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewOutboxRepository(db)
	bus := event.NewBus(nil)
	relay := outbox.NewRelay(repo, bus, time.Second, time.Hour, 24*time.Hour, 100, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	longProcessed := paymentInitiatedRow(now.Add(-72 * time.Hour))
	justProcessed := paymentInitiatedRow(now.Add(-time.Hour))
	lateProcessed := paymentInitiatedRow(now.Add(-72 * time.Hour))
	unprocessedOld := paymentInitiatedRow(now.Add(-72 * time.Hour))
	appendRow(t, db, repo, longProcessed)
	appendRow(t, db, repo, justProcessed)
	appendRow(t, db, repo, lateProcessed)
	appendRow(t, db, repo, unprocessedOld)

	require.NoError(t, repo.MarkProcessed(ctx, longProcessed.ID, now.Add(-48*time.Hour)))
	require.NoError(t, repo.MarkProcessed(ctx, justProcessed.ID, now))
	require.NoError(t, repo.MarkProcessed(ctx, lateProcessed.ID, now))

	require.NoError(t, relay.CleanupOnce(ctx))

	rows, err := repo.ListByAggregate(ctx, longProcessed.AggregateID)
	require.NoError(t, err)
	assert.Empty(t, rows, "row processed past retention should be deleted")

	rows, err = repo.ListByAggregate(ctx, justProcessed.AggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "row processed inside retention must survive")

	rows, err = repo.ListByAggregate(ctx, lateProcessed.AggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 1,
		"retention counts from processing time, so an old event processed just now keeps its replay window")

	rows, err = repo.ListByAggregate(ctx, unprocessedOld.AggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "undelivered row must never be cleaned up")
}

func TestPublisher_SaveAndPublish_Atomic(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewOutboxRepository(db)
	bus := event.NewBus(nil)
	publisher := outbox.NewPublisher(db, repo, bus)
	ctx := context.Background()

	aggregateID := uuid.NewString()
	evt := event.New(event.TypePaymentInitiated, aggregateID, event.PaymentInitiated{
		PaymentID:          uuid.New(),
		SenderAccountID:    uuid.New(),
		RecipientAccountID: uuid.New(),
		Amount:             decimal.NewFromInt(100),
	})

	err := publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		return []event.Event{evt}, errors.New("state write failed")
	})
	require.Error(t, err)

	rows, err := repo.ListByAggregate(ctx, aggregateID)
	require.NoError(t, err)
	assert.Empty(t, rows, "no outbox row may exist when the save fails")

	var published int
	bus.Subscribe(event.TypePaymentInitiated, func(ctx context.Context, evt event.Event) error {
		published++
		return nil
	})

	err = publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		return []event.Event{evt}, nil
	})
	require.NoError(t, err)

	rows, err = repo.ListByAggregate(ctx, aggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "one outbox row per event on success")
	assert.Equal(t, 1, published, "successful commit publishes to the bus once")
}
