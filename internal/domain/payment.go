package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending      PaymentStatus = "PENDING"
	PaymentStatusProcessing   PaymentStatus = "PROCESSING"
	PaymentStatusCompleted    PaymentStatus = "COMPLETED"
	PaymentStatusFailed       PaymentStatus = "FAILED"
	PaymentStatusCompensating PaymentStatus = "COMPENSATING"
)

type PaymentStep string

const (
	StepInitiated                PaymentStep = "INITIATED"
	StepTransactionCreated       PaymentStep = "TRANSACTION_CREATED"
	StepTransactionProcessing    PaymentStep = "TRANSACTION_PROCESSING"
	StepSenderDebited            PaymentStep = "SENDER_DEBITED"
	StepRecipientCredited        PaymentStep = "RECIPIENT_CREDITED"
	StepCompleted                PaymentStep = "COMPLETED"
	StepFailed                   PaymentStep = "FAILED"
	StepCompensatingSenderCredit PaymentStep = "COMPENSATING_SENDER_CREDIT"
	StepCompensated              PaymentStep = "COMPENSATED"
)

func (s PaymentStep) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCompensated
}

// allowedSteps is the saga transition table. A payment may only move from a
// step to one of the listed successors; everything else is an illegal
// transition regardless of which code path attempts it.
var allowedSteps = map[PaymentStep][]PaymentStep{
	StepInitiated:                {StepTransactionCreated, StepFailed},
	StepTransactionCreated:       {StepTransactionProcessing, StepFailed},
	StepTransactionProcessing:    {StepSenderDebited, StepFailed},
	StepSenderDebited:            {StepRecipientCredited, StepCompensatingSenderCredit, StepFailed},
	StepRecipientCredited:        {StepCompleted, StepCompensatingSenderCredit, StepFailed},
	StepCompensatingSenderCredit: {StepCompensated, StepFailed},
}

// Payment is the saga aggregate: the durable state machine a transfer moves
// through. All mutation goes through the methods below; they enforce the
// transition table and refresh UpdatedAt.
type Payment struct {
	ID                 uuid.UUID
	TransactionID      *uuid.UUID
	SenderAccountID    uuid.UUID
	RecipientAccountID uuid.UUID
	Amount             decimal.Decimal
	Description        string
	Status             PaymentStatus
	CurrentStep        PaymentStep
	FailureReason      *string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

func NewPayment(senderAccountID, recipientAccountID uuid.UUID, amount decimal.Decimal, description string) (*Payment, error) {
	if senderAccountID == uuid.Nil {
		return nil, fmt.Errorf("NewPayment: sender account id: %w", ErrInvalidRequest)
	}
	if recipientAccountID == uuid.Nil {
		return nil, fmt.Errorf("NewPayment: recipient account id: %w", ErrInvalidRequest)
	}
	if senderAccountID == recipientAccountID {
		return nil, fmt.Errorf("NewPayment: %w", ErrSelfTransfer)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("NewPayment: %w", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	return &Payment{
		ID:                 uuid.New(),
		SenderAccountID:    senderAccountID,
		RecipientAccountID: recipientAccountID,
		Amount:             amount,
		Description:        description,
		Status:             PaymentStatusPending,
		CurrentStep:        StepInitiated,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// SetTransactionID links the ledger transaction to the payment. Write-once:
// a second call is a programming error, not a business outcome.
func (p *Payment) SetTransactionID(transactionID uuid.UUID) error {
	if p.TransactionID != nil {
		return fmt.Errorf("SetTransactionID: %w", ErrTransactionIDSet)
	}
	p.TransactionID = &transactionID
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Payment) StartProcessing() error {
	if p.Status != PaymentStatusPending {
		return fmt.Errorf("StartProcessing: from status %s: %w", p.Status, ErrIllegalTransition)
	}
	p.Status = PaymentStatusProcessing
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Payment) AdvanceToStep(step PaymentStep) error {
	for _, next := range allowedSteps[p.CurrentStep] {
		if next == step {
			p.CurrentStep = step
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("AdvanceToStep: %s -> %s: %w", p.CurrentStep, step, ErrIllegalTransition)
}

func (p *Payment) MarkCompleted() error {
	if p.Status != PaymentStatusProcessing || p.CurrentStep != StepRecipientCredited {
		return fmt.Errorf("MarkCompleted: from %s/%s: %w", p.Status, p.CurrentStep, ErrIllegalTransition)
	}
	now := time.Now().UTC()
	p.Status = PaymentStatusCompleted
	p.CurrentStep = StepCompleted
	p.CompletedAt = &now
	p.UpdatedAt = now
	return nil
}

func (p *Payment) MarkFailed(reason string) error {
	if p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed {
		return fmt.Errorf("MarkFailed: from status %s: %w", p.Status, ErrIllegalTransition)
	}
	p.Status = PaymentStatusFailed
	p.CurrentStep = StepFailed
	p.FailureReason = &reason
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// StartCompensation routes a mid-flight failure to the re-credit path. The
// triggering reason is recorded up front so it survives even if compensation
// itself later fails.
func (p *Payment) StartCompensation(reason string) error {
	if !p.RequiresCompensation() {
		return fmt.Errorf("StartCompensation: from %s/%s: %w", p.Status, p.CurrentStep, ErrIllegalTransition)
	}
	p.Status = PaymentStatusCompensating
	p.CurrentStep = StepCompensatingSenderCredit
	p.FailureReason = &reason
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Payment) MarkCompensated() error {
	if p.Status != PaymentStatusCompensating || p.CurrentStep != StepCompensatingSenderCredit {
		return fmt.Errorf("MarkCompensated: from %s/%s: %w", p.Status, p.CurrentStep, ErrIllegalTransition)
	}
	p.Status = PaymentStatusFailed
	p.CurrentStep = StepCompensated
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// RequiresCompensation reports whether money has left the sender without the
// saga having reached a terminal success: exactly then a failure must
// re-credit instead of plain-fail.
func (p *Payment) RequiresCompensation() bool {
	return p.Status == PaymentStatusProcessing &&
		(p.CurrentStep == StepSenderDebited || p.CurrentStep == StepRecipientCredited)
}

func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}
