package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
	"github.com/clearledger/transferer/internal/event"
	"github.com/clearledger/transferer/internal/logging"
	"github.com/clearledger/transferer/internal/outbox"
)

type paymentStore interface {
	Create(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error
	Update(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Payment, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Payment, error)
	ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]domain.Payment, error)
	ListInFlight(ctx context.Context, limit int) ([]domain.Payment, error)
}

type accountCollaborator interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	Debit(ctx context.Context, accountID, transactionID uuid.UUID, amount decimal.Decimal) error
	Credit(ctx context.Context, accountID, transactionID uuid.UUID, amount decimal.Decimal) error
}

type transactionCollaborator interface {
	Create(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount decimal.Decimal, description string) (*domain.Transaction, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

const reconcileBatchSize = 100

// PaymentSaga drives a transfer through its step machine. It advances state
// only through event handlers and ticks, each of which re-reads the payment
// and checks the persisted step as a precondition, so duplicate deliveries
// collapse into no-ops. A failure after money left the sender routes to the
// compensating re-credit instead of a plain failure.
//
// Step failures never propagate to the caller of InitiatePayment; they are
// recorded on the payment and published as PaymentFailed.
type PaymentSaga struct {
	payments          paymentStore
	accounts          accountCollaborator
	transactions      transactionCollaborator
	publisher         *outbox.Publisher
	bus               *event.Bus
	reconcileInterval time.Duration
}

func NewPaymentSaga(
	payments paymentStore,
	accounts accountCollaborator,
	transactions transactionCollaborator,
	publisher *outbox.Publisher,
	bus *event.Bus,
	reconcileInterval time.Duration,
) *PaymentSaga {
	return &PaymentSaga{
		payments:          payments,
		accounts:          accounts,
		transactions:      transactions,
		publisher:         publisher,
		bus:               bus,
		reconcileInterval: reconcileInterval,
	}
}

// Register subscribes the saga's handlers on the bus. The saga is driven by
// StepAdvanced events, the initiation one included; PaymentInitiated is a
// notification for other consumers. Until Register is called, InitiatePayment
// persists the payment but nothing advances it.
func (s *PaymentSaga) Register() {
	s.bus.Subscribe(event.TypePaymentStepAdvanced, s.onStepAdvanced)
	s.bus.Subscribe(event.TypeTransactionCreated, s.onTransactionCreated)
	s.bus.Subscribe(event.TypeAccountDebited, s.onAccountDebited)
	s.bus.Subscribe(event.TypeAccountCredited, s.onAccountCredited)
	s.bus.Subscribe(event.TypeTransactionCompleted, s.onTransactionCompleted)
	s.bus.Subscribe(event.TypePaymentFailed, s.onPaymentFailed)
}

// InitiatePayment validates the request, then persists the new payment
// atomically with two outbox rows: the PaymentInitiated announcement and the
// StepAdvanced event (no previous step) that starts the saga. Validation
// failures and unknown accounts are reported synchronously before any row
// exists; every later failure surfaces through payment state, not through
// this call.
func (s *PaymentSaga) InitiatePayment(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount decimal.Decimal, description string) (*domain.Payment, error) {
	payment, err := domain.NewPayment(senderAccountID, recipientAccountID, amount, description)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	if _, err := s.accounts.Get(ctx, senderAccountID); err != nil {
		return nil, fmt.Errorf("InitiatePayment: sender: %w", err)
	}
	if _, err := s.accounts.Get(ctx, recipientAccountID); err != nil {
		return nil, fmt.Errorf("InitiatePayment: recipient: %w", err)
	}

	err = s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		if err := s.payments.Create(ctx, tx, payment); err != nil {
			return nil, err
		}
		return []event.Event{
			event.New(event.TypePaymentInitiated, payment.ID.String(), event.PaymentInitiated{
				PaymentID:          payment.ID,
				SenderAccountID:    payment.SenderAccountID,
				RecipientAccountID: payment.RecipientAccountID,
				Amount:             payment.Amount,
				Description:        payment.Description,
			}),
			stepAdvancedEvent(payment.ID, nil, payment.CurrentStep),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}

	// Handlers run synchronously off the publish above and work on their own
	// copies, so reload to give the caller whatever state the saga reached.
	current, err := s.payments.GetByID(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	return current, nil
}

func (s *PaymentSaga) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.payments.GetByID(ctx, id)
}

func (s *PaymentSaga) GetPaymentByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Payment, error) {
	return s.payments.GetByTransactionID(ctx, transactionID)
}

func (s *PaymentSaga) ListPaymentsByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Payment, error) {
	return s.payments.ListByAccount(ctx, accountID)
}

func (s *PaymentSaga) ListPaymentsByStatus(ctx context.Context, status domain.PaymentStatus) ([]domain.Payment, error) {
	return s.payments.ListByStatus(ctx, status)
}

// ResumeStalled sweeps in-flight payments and re-ticks those that have not
// moved for at least the reconcile interval. A payment whose advancement
// event was lost resumes from its persisted step; a payment the live flow is
// still working on is too fresh to match and is left alone.
func (s *PaymentSaga) ResumeStalled(ctx context.Context) error {
	payments, err := s.payments.ListInFlight(ctx, reconcileBatchSize)
	if err != nil {
		return fmt.Errorf("ResumeStalled: %w", err)
	}

	cutoff := time.Now().UTC().Add(-s.reconcileInterval)
	logger := logging.FromContext(ctx)
	for i := range payments {
		p := &payments[i]
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		logger.Info("resuming stalled payment",
			"payment_id", p.ID,
			"current_step", p.CurrentStep,
			"status", p.Status,
		)
		if err := s.tick(ctx, p); err != nil {
			logger.Error("resume failed", "payment_id", p.ID, "error", err)
		}
	}
	return nil
}

// RunReconciler runs the stalled-payment sweep on a fixed interval until ctx
// is cancelled.
func (s *PaymentSaga) RunReconciler(ctx context.Context) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("payment reconciler stopped")
			return
		case <-ticker.C:
			if err := s.ResumeStalled(ctx); err != nil {
				logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// tick invokes the side effect belonging to the payment's current step. The
// matching advancement is performed by the handler of the event that side
// effect emits; tick itself only advances on the create-transaction and
// mark-processing steps, which have no account event to wait for.
func (s *PaymentSaga) tick(ctx context.Context, p *domain.Payment) error {
	switch p.CurrentStep {
	case domain.StepInitiated:
		return s.createTransaction(ctx, p)
	case domain.StepTransactionCreated:
		return s.markTransactionProcessing(ctx, p)
	case domain.StepTransactionProcessing:
		return s.debitSender(ctx, p)
	case domain.StepSenderDebited:
		return s.creditRecipient(ctx, p)
	case domain.StepRecipientCredited:
		return s.completeTransaction(ctx, p)
	case domain.StepCompensatingSenderCredit:
		return s.compensateSender(ctx, p)
	default:
		return nil
	}
}

func (s *PaymentSaga) onStepAdvanced(ctx context.Context, evt event.Event) error {
	body, ok := evt.Body.(event.PaymentStepAdvanced)
	if !ok {
		return fmt.Errorf("onStepAdvanced: unexpected body %T", evt.Body)
	}
	p, err := s.payments.GetByID(ctx, body.PaymentID)
	if err != nil {
		return fmt.Errorf("onStepAdvanced: %w", err)
	}
	return s.tick(ctx, p)
}

func (s *PaymentSaga) onTransactionCreated(ctx context.Context, evt event.Event) error {
	body, ok := evt.Body.(event.TransactionCreated)
	if !ok {
		return fmt.Errorf("onTransactionCreated: unexpected body %T", evt.Body)
	}
	// The event commits before the payment links the transaction id, so on
	// the first, synchronous delivery the lookup misses and the step-advanced
	// path picks the work up instead. Relay redeliveries find the payment
	// already past TRANSACTION_CREATED and drop out below.
	p, err := s.payments.GetByTransactionID(ctx, body.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("onTransactionCreated: %w", err)
	}
	if p.CurrentStep != domain.StepTransactionCreated {
		return nil
	}
	return s.markTransactionProcessing(ctx, p)
}

func (s *PaymentSaga) onAccountDebited(ctx context.Context, evt event.Event) error {
	body, ok := evt.Body.(event.AccountDebited)
	if !ok {
		return fmt.Errorf("onAccountDebited: unexpected body %T", evt.Body)
	}
	p, err := s.payments.GetByTransactionID(ctx, body.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("onAccountDebited: %w", err)
	}
	if p.CurrentStep != domain.StepTransactionProcessing || body.AccountID != p.SenderAccountID {
		return nil
	}
	return s.advance(ctx, p, domain.StepSenderDebited)
}

func (s *PaymentSaga) onAccountCredited(ctx context.Context, evt event.Event) error {
	body, ok := evt.Body.(event.AccountCredited)
	if !ok {
		return fmt.Errorf("onAccountCredited: unexpected body %T", evt.Body)
	}
	p, err := s.payments.GetByTransactionID(ctx, body.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("onAccountCredited: %w", err)
	}

	switch {
	case p.Status == domain.PaymentStatusCompensating &&
		p.CurrentStep == domain.StepCompensatingSenderCredit &&
		body.AccountID == p.SenderAccountID:
		return s.finishCompensation(ctx, p)
	case p.CurrentStep == domain.StepSenderDebited && body.AccountID == p.RecipientAccountID:
		return s.advance(ctx, p, domain.StepRecipientCredited)
	default:
		return nil
	}
}

func (s *PaymentSaga) onTransactionCompleted(ctx context.Context, evt event.Event) error {
	body, ok := evt.Body.(event.TransactionCompleted)
	if !ok {
		return fmt.Errorf("onTransactionCompleted: unexpected body %T", evt.Body)
	}
	p, err := s.payments.GetByTransactionID(ctx, body.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("onTransactionCompleted: %w", err)
	}
	if p.CurrentStep != domain.StepRecipientCredited {
		return nil
	}
	return s.completePayment(ctx, p)
}

// onPaymentFailed propagates a terminal payment failure to the ledger record.
func (s *PaymentSaga) onPaymentFailed(ctx context.Context, evt event.Event) error {
	body, ok := evt.Body.(event.PaymentFailed)
	if !ok {
		return fmt.Errorf("onPaymentFailed: unexpected body %T", evt.Body)
	}
	if body.TransactionID == nil {
		return nil
	}
	if err := s.transactions.MarkFailed(ctx, *body.TransactionID, body.FailureReason); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			return nil
		}
		return fmt.Errorf("onPaymentFailed: %w", err)
	}
	return nil
}

func (s *PaymentSaga) createTransaction(ctx context.Context, p *domain.Payment) error {
	txn, err := s.transactions.Create(ctx, p.SenderAccountID, p.RecipientAccountID, p.Amount, p.Description)
	if err != nil {
		return s.failOrCompensate(ctx, p, "create transaction: "+err.Error())
	}

	err = s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		prev := p.CurrentStep
		if err := p.SetTransactionID(txn.ID); err != nil {
			return nil, err
		}
		if err := p.StartProcessing(); err != nil {
			return nil, err
		}
		if err := p.AdvanceToStep(domain.StepTransactionCreated); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return nil, err
		}
		return []event.Event{stepAdvancedEvent(p.ID, &prev, p.CurrentStep)}, nil
	})
	return s.dropDuplicate(ctx, p, err)
}

func (s *PaymentSaga) markTransactionProcessing(ctx context.Context, p *domain.Payment) error {
	if err := s.transactions.MarkProcessing(ctx, *p.TransactionID); err != nil {
		// Already past PENDING means an earlier attempt got this far.
		if !errors.Is(err, domain.ErrIllegalTransition) {
			return s.failOrCompensate(ctx, p, "mark transaction processing: "+err.Error())
		}
	}
	return s.advance(ctx, p, domain.StepTransactionProcessing)
}

func (s *PaymentSaga) debitSender(ctx context.Context, p *domain.Payment) error {
	if err := s.accounts.Debit(ctx, p.SenderAccountID, *p.TransactionID, p.Amount); err != nil {
		return s.failOrCompensate(ctx, p, "debit sender: "+err.Error())
	}
	// Advancement to SENDER_DEBITED rides on the AccountDebited event.
	return nil
}

func (s *PaymentSaga) creditRecipient(ctx context.Context, p *domain.Payment) error {
	if err := s.accounts.Credit(ctx, p.RecipientAccountID, *p.TransactionID, p.Amount); err != nil {
		return s.failOrCompensate(ctx, p, "credit recipient: "+err.Error())
	}
	return nil
}

func (s *PaymentSaga) completeTransaction(ctx context.Context, p *domain.Payment) error {
	if err := s.transactions.MarkCompleted(ctx, *p.TransactionID); err != nil {
		if !errors.Is(err, domain.ErrIllegalTransition) {
			return s.failOrCompensate(ctx, p, "complete transaction: "+err.Error())
		}
		// An earlier attempt already completed the transaction and its
		// TransactionCompleted event is spent, so finish the payment here
		// instead of waiting for a delivery that will never come.
		return s.completePayment(ctx, p)
	}
	return nil
}

func (s *PaymentSaga) compensateSender(ctx context.Context, p *domain.Payment) error {
	if err := s.accounts.Credit(ctx, p.SenderAccountID, *p.TransactionID, p.Amount); err != nil {
		return s.fail(ctx, p, "Compensation failed: "+err.Error())
	}
	return nil
}

// advance moves the payment to the next step and publishes the matching
// StepAdvanced event. Version conflicts and illegal transitions mean another
// delivery of the same trigger got there first and are dropped silently.
func (s *PaymentSaga) advance(ctx context.Context, p *domain.Payment, next domain.PaymentStep) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		prev := p.CurrentStep
		if err := p.AdvanceToStep(next); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return nil, err
		}
		return []event.Event{stepAdvancedEvent(p.ID, &prev, next)}, nil
	})
	return s.dropDuplicate(ctx, p, err)
}

func (s *PaymentSaga) completePayment(ctx context.Context, p *domain.Payment) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		prev := p.CurrentStep
		if err := p.MarkCompleted(); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return nil, err
		}
		return []event.Event{
			stepAdvancedEvent(p.ID, &prev, p.CurrentStep),
			event.New(event.TypePaymentCompleted, p.ID.String(), event.PaymentCompleted{
				PaymentID:          p.ID,
				TransactionID:      *p.TransactionID,
				SenderAccountID:    p.SenderAccountID,
				RecipientAccountID: p.RecipientAccountID,
				Amount:             p.Amount,
				CompletedAt:        *p.CompletedAt,
			}),
		}, nil
	})
	return s.dropDuplicate(ctx, p, err)
}

// failOrCompensate routes a step failure: if money already left the sender,
// start the compensating re-credit, otherwise fail the payment outright.
func (s *PaymentSaga) failOrCompensate(ctx context.Context, p *domain.Payment, reason string) error {
	if !p.RequiresCompensation() {
		return s.fail(ctx, p, reason)
	}

	logging.FromContext(ctx).Warn("payment entering compensation",
		"payment_id", p.ID,
		"failed_at_step", p.CurrentStep,
		"reason", reason,
	)
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		prev := p.CurrentStep
		if err := p.StartCompensation(reason); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return nil, err
		}
		return []event.Event{stepAdvancedEvent(p.ID, &prev, p.CurrentStep)}, nil
	})
	return s.dropDuplicate(ctx, p, err)
}

func (s *PaymentSaga) fail(ctx context.Context, p *domain.Payment, reason string) error {
	logging.FromContext(ctx).Warn("payment failed",
		"payment_id", p.ID,
		"failed_at_step", p.CurrentStep,
		"reason", reason,
	)
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		failedAt := p.CurrentStep
		if err := p.MarkFailed(reason); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return nil, err
		}
		return []event.Event{
			stepAdvancedEvent(p.ID, &failedAt, p.CurrentStep),
			paymentFailedEvent(p, failedAt, reason),
		}, nil
	})
	return s.dropDuplicate(ctx, p, err)
}

// finishCompensation records the successful re-credit: the payment ends
// FAILED at step COMPENSATED, and the recorded failure reason is the one that
// triggered compensation in the first place.
func (s *PaymentSaga) finishCompensation(ctx context.Context, p *domain.Payment) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		prev := p.CurrentStep
		if err := p.MarkCompensated(); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, tx, p); err != nil {
			return nil, err
		}
		reason := ""
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		return []event.Event{
			stepAdvancedEvent(p.ID, &prev, p.CurrentStep),
			paymentFailedEvent(p, prev, reason),
		}, nil
	})
	return s.dropDuplicate(ctx, p, err)
}

// dropDuplicate converts the save errors that signal a concurrent or repeated
// advancement into a logged no-op. Anything else is a real failure.
func (s *PaymentSaga) dropDuplicate(ctx context.Context, p *domain.Payment, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrIllegalTransition) {
		logging.FromContext(ctx).Warn("dropping duplicate saga advancement",
			"payment_id", p.ID,
			"current_step", p.CurrentStep,
			"error", err,
		)
		return nil
	}
	return err
}

// stepAdvancedEvent records a step transition. previous is nil only for the
// initiation event, which introduces the INITIATED step rather than leaving
// another one.
func stepAdvancedEvent(paymentID uuid.UUID, previous *domain.PaymentStep, current domain.PaymentStep) event.Event {
	return event.New(event.TypePaymentStepAdvanced, paymentID.String(), event.PaymentStepAdvanced{
		PaymentID:    paymentID,
		PreviousStep: previous,
		CurrentStep:  current,
	})
}

func paymentFailedEvent(p *domain.Payment, failedAt domain.PaymentStep, reason string) event.Event {
	return event.New(event.TypePaymentFailed, p.ID.String(), event.PaymentFailed{
		PaymentID:          p.ID,
		TransactionID:      p.TransactionID,
		SenderAccountID:    p.SenderAccountID,
		RecipientAccountID: p.RecipientAccountID,
		Amount:             p.Amount,
		FailedAtStep:       failedAt,
		FailureReason:      reason,
	})
}
