package service_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/transferer/internal/domain"
	"github.com/clearledger/transferer/internal/event"
	"github.com/clearledger/transferer/internal/outbox"
	"github.com/clearledger/transferer/internal/repository"
	"github.com/clearledger/transferer/internal/service"
	"github.com/clearledger/transferer/internal/testutil"
)

type sagaFixture struct {
	db           *sql.DB
	bus          *event.Bus
	saga         *service.PaymentSaga
	accounts     *service.AccountService
	transactions *service.TransactionService
	payments     *repository.PaymentRepository
	outboxRows   *repository.OutboxRepository
}

// setupSaga wires the full stack against a throwaway database. With register
// false nothing subscribes to the bus, so initiated payments stay put; that
// mode exercises initiation in isolation and the reconciler.
func setupSaga(t *testing.T, register bool) *sagaFixture {
	t.Helper()
	db := testutil.SetupTestDB(t)

	accountRepo := repository.NewAccountRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	bus := event.NewBus(nil)
	publisher := outbox.NewPublisher(db, outboxRepo, bus)

	accounts := service.NewAccountService(accountRepo, publisher)
	transactions := service.NewTransactionService(transactionRepo, publisher)
	saga := service.NewPaymentSaga(paymentRepo, accounts, transactions, publisher, bus, time.Millisecond)
	if register {
		saga.Register()
	}

	return &sagaFixture{
		db:           db,
		bus:          bus,
		saga:         saga,
		accounts:     accounts,
		transactions: transactions,
		payments:     paymentRepo,
		outboxRows:   outboxRepo,
	}
}

// forceStalled rewrites the payment row into a given in-flight state with a
// stale updated_at, as if the process had died there a while ago.
func (f *sagaFixture) forceStalled(t *testing.T, paymentID, transactionID uuid.UUID, status domain.PaymentStatus, step domain.PaymentStep, reason string) {
	t.Helper()

	_, err := f.db.Exec(
		`UPDATE payments
		SET transaction_id = $1, status = $2, current_step = $3, failure_reason = $4,
			updated_at = now() - interval '1 minute'
		WHERE id = $5`,
		transactionID, status, step, reason, paymentID,
	)
	require.NoError(t, err)
}

func (f *sagaFixture) stepsFor(t *testing.T, paymentID string) []domain.PaymentStep {
	t.Helper()

	rows, err := f.outboxRows.ListByAggregate(context.Background(), paymentID)
	require.NoError(t, err)

	var steps []domain.PaymentStep
	for _, row := range rows {
		if row.EventType != event.TypePaymentStepAdvanced {
			continue
		}
		body, err := event.DecodeBody(row.EventType, row.EventData)
		require.NoError(t, err)
		steps = append(steps, body.(event.PaymentStepAdvanced).CurrentStep)
	}
	return steps
}

func TestSaga_SuccessfulTransfer(t *testing.T) {
	f := setupSaga(t, true)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, decimal.RequireFromString("100.00"), "rent")
	require.NoError(t, err)

	final, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, final.Status)
	assert.Equal(t, domain.StepCompleted, final.CurrentStep)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.TransactionID)

	assert.True(t, testutil.AccountBalance(t, f.db, sender.ID).Equal(decimal.RequireFromString("900.00")))
	assert.True(t, testutil.AccountBalance(t, f.db, recipient.ID).Equal(decimal.RequireFromString("600.00")))

	txn, err := f.transactions.Get(ctx, *final.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)

	assert.Equal(t, []domain.PaymentStep{
		domain.StepInitiated,
		domain.StepTransactionCreated,
		domain.StepTransactionProcessing,
		domain.StepSenderDebited,
		domain.StepRecipientCredited,
		domain.StepCompleted,
	}, f.stepsFor(t, p.ID.String()))
}

func TestSaga_InsufficientFundsFailsWithoutCompensation(t *testing.T) {
	f := setupSaga(t, true)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("10.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, decimal.RequireFromString("1000.00"), "")
	require.NoError(t, err, "business-rule failures surface through payment state, not the call")

	final, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, final.Status)
	assert.Equal(t, domain.StepFailed, final.CurrentStep)
	require.NotNil(t, final.FailureReason)
	assert.Contains(t, *final.FailureReason, "debit sender")

	assert.True(t, testutil.AccountBalance(t, f.db, sender.ID).Equal(decimal.RequireFromString("10.00")))
	assert.True(t, testutil.AccountBalance(t, f.db, recipient.ID).Equal(decimal.RequireFromString("500.00")))

	txn, err := f.transactions.Get(ctx, *final.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, txn.Status)

	assert.NotContains(t, f.stepsFor(t, p.ID.String()), domain.StepCompensatingSenderCredit,
		"nothing was debited, so nothing may be compensated")
}

func TestSaga_CompensatesWhenCreditFails(t *testing.T) {
	f := setupSaga(t, true)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))
	require.NoError(t, f.accounts.Suspend(ctx, recipient.ID))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, decimal.RequireFromString("100.00"), "")
	require.NoError(t, err)

	final, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, final.Status)
	assert.Equal(t, domain.StepCompensated, final.CurrentStep)
	require.NotNil(t, final.FailureReason)
	assert.Contains(t, *final.FailureReason, "credit recipient")

	assert.True(t, testutil.AccountBalance(t, f.db, sender.ID).Equal(decimal.RequireFromString("1000.00")),
		"sender must be re-credited exactly the debited amount")
	assert.True(t, testutil.AccountBalance(t, f.db, recipient.ID).Equal(decimal.RequireFromString("500.00")))

	assert.Contains(t, f.stepsFor(t, p.ID.String()), domain.StepCompensatingSenderCredit)

	txn, err := f.transactions.Get(ctx, *final.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, txn.Status)
}

func TestSaga_DuplicateEventIsNoOp(t *testing.T) {
	f := setupSaga(t, true)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, decimal.RequireFromString("100.00"), "")
	require.NoError(t, err)

	completed, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, completed.Status)

	// Redeliver the debit event as the relay would after a crash.
	f.bus.Publish(ctx, event.New(event.TypeAccountDebited, sender.ID.String(), event.AccountDebited{
		AccountID:     sender.ID,
		TransactionID: *completed.TransactionID,
		AccountNumber: sender.AccountNumber,
		Amount:        decimal.RequireFromString("100.00"),
		NewBalance:    decimal.RequireFromString("900.00"),
	}))

	after, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, completed.Version, after.Version, "a duplicate must not advance the payment again")
	assert.True(t, testutil.AccountBalance(t, f.db, sender.ID).Equal(decimal.RequireFromString("900.00")))
	assert.True(t, testutil.AccountBalance(t, f.db, recipient.ID).Equal(decimal.RequireFromString("600.00")))
}

func TestSaga_RejectsBeforeAnyWrite(t *testing.T) {
	f := setupSaga(t, true)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))

	_, err := f.saga.InitiatePayment(ctx, sender.ID, sender.ID, decimal.RequireFromString("100.00"), "")
	assert.ErrorIs(t, err, domain.ErrSelfTransfer)

	_, err = f.saga.InitiatePayment(ctx, sender.ID, testutil.SeedAccount(t, f.db, "1000000002", "R", decimal.Zero).ID, decimal.Zero, "")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	var payments, rows int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM payments`).Scan(&payments))
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM outbox_events WHERE event_type LIKE 'PAYMENT%'`).Scan(&rows))
	assert.Zero(t, payments)
	assert.Zero(t, rows)
}

func TestSaga_InitiateWritesAnnouncementAndFirstStepAtomically(t *testing.T) {
	f := setupSaga(t, false)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, decimal.RequireFromString("100.00"), "")
	require.NoError(t, err)

	stored, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)
	assert.Equal(t, domain.StepInitiated, stored.CurrentStep)

	rows, err := f.outboxRows.ListByAggregate(ctx, p.ID.String())
	require.NoError(t, err)
	require.Len(t, rows, 2, "initiation commits the announcement and the first step together")
	assert.Equal(t, event.TypePaymentInitiated, rows[0].EventType)
	require.Equal(t, event.TypePaymentStepAdvanced, rows[1].EventType)

	body, err := event.DecodeBody(rows[1].EventType, rows[1].EventData)
	require.NoError(t, err)
	step := body.(event.PaymentStepAdvanced)
	assert.Nil(t, step.PreviousStep, "the first step has nothing before it")
	assert.Equal(t, domain.StepInitiated, step.CurrentStep)
}

func TestSaga_ResumeStalledDrivesPaymentToCompletion(t *testing.T) {
	f := setupSaga(t, false)
	ctx := context.Background()

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, decimal.RequireFromString("100.00"), "")
	require.NoError(t, err)

	// Simulates a restart: the initiation event was lost, handlers come up,
	// and the sweep finds the stalled payment.
	f.saga.Register()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.saga.ResumeStalled(ctx))

	final, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, final.Status)
	assert.Equal(t, domain.StepCompleted, final.CurrentStep)
	assert.True(t, testutil.AccountBalance(t, f.db, sender.ID).Equal(decimal.RequireFromString("900.00")))
	assert.True(t, testutil.AccountBalance(t, f.db, recipient.ID).Equal(decimal.RequireFromString("600.00")))
}

func TestSaga_ResumeCompletesWhenTransactionAlreadyCompleted(t *testing.T) {
	f := setupSaga(t, false)
	ctx := context.Background()
	amount := decimal.RequireFromString("100.00")

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, amount, "")
	require.NoError(t, err)

	txn, err := f.transactions.Create(ctx, sender.ID, recipient.ID, amount, "")
	require.NoError(t, err)
	require.NoError(t, f.transactions.MarkProcessing(ctx, txn.ID))
	require.NoError(t, f.transactions.MarkCompleted(ctx, txn.ID))

	// A crash left the payment one step behind its already-completed
	// transaction; the TransactionCompleted event is spent.
	f.forceStalled(t, p.ID, txn.ID, domain.PaymentStatusProcessing, domain.StepRecipientCredited, "")

	f.saga.Register()
	require.NoError(t, f.saga.ResumeStalled(ctx))

	final, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, final.Status)
	assert.Equal(t, domain.StepCompleted, final.CurrentStep)
	require.NotNil(t, final.CompletedAt)
}

func TestSaga_FailedCompensationRecordsPrefixedReason(t *testing.T) {
	f := setupSaga(t, false)
	ctx := context.Background()
	amount := decimal.RequireFromString("100.00")

	sender := testutil.SeedAccount(t, f.db, "1000000001", "Sender", decimal.RequireFromString("1000.00"))
	recipient := testutil.SeedAccount(t, f.db, "1000000002", "Recipient", decimal.RequireFromString("500.00"))

	p, err := f.saga.InitiatePayment(ctx, sender.ID, recipient.ID, amount, "")
	require.NoError(t, err)

	txn, err := f.transactions.Create(ctx, sender.ID, recipient.ID, amount, "")
	require.NoError(t, err)
	require.NoError(t, f.transactions.MarkProcessing(ctx, txn.ID))
	require.NoError(t, f.accounts.Debit(ctx, sender.ID, txn.ID, amount))

	// The re-credit is due, but the sender got suspended in the meantime.
	require.NoError(t, f.accounts.Suspend(ctx, sender.ID))
	f.forceStalled(t, p.ID, txn.ID, domain.PaymentStatusCompensating, domain.StepCompensatingSenderCredit,
		"credit recipient: recipient unavailable")

	f.saga.Register()
	require.NoError(t, f.saga.ResumeStalled(ctx))

	final, err := f.saga.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, final.Status)
	assert.Equal(t, domain.StepFailed, final.CurrentStep)
	require.NotNil(t, final.FailureReason)
	assert.Contains(t, *final.FailureReason, "Compensation failed: ")

	assert.True(t, testutil.AccountBalance(t, f.db, sender.ID).Equal(decimal.RequireFromString("900.00")),
		"the failed re-credit must not move money")

	txnAfter, err := f.transactions.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, txnAfter.Status)
}
