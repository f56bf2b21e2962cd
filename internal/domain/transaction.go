package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "PENDING"
	TransactionStatusProcessing TransactionStatus = "PROCESSING"
	TransactionStatusCompleted  TransactionStatus = "COMPLETED"
	TransactionStatusFailed     TransactionStatus = "FAILED"
)

// Transaction is the ledger record of a transfer, owned by the transaction
// collaborator and driven through its lifecycle by the payment saga.
type Transaction struct {
	ID                 uuid.UUID
	SenderAccountID    uuid.UUID
	RecipientAccountID uuid.UUID
	Amount             decimal.Decimal
	Description        string
	Status             TransactionStatus
	FailureReason      *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

func NewTransaction(senderAccountID, recipientAccountID uuid.UUID, amount decimal.Decimal, description string) (*Transaction, error) {
	if senderAccountID == uuid.Nil || recipientAccountID == uuid.Nil {
		return nil, fmt.Errorf("NewTransaction: account id: %w", ErrInvalidRequest)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("NewTransaction: %w", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:                 uuid.New(),
		SenderAccountID:    senderAccountID,
		RecipientAccountID: recipientAccountID,
		Amount:             amount,
		Description:        description,
		Status:             TransactionStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (t *Transaction) MarkProcessing() error {
	if t.Status != TransactionStatusPending {
		return fmt.Errorf("MarkProcessing: from status %s: %w", t.Status, ErrIllegalTransition)
	}
	t.Status = TransactionStatusProcessing
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *Transaction) MarkCompleted() error {
	if t.Status != TransactionStatusProcessing {
		return fmt.Errorf("MarkCompleted: from status %s: %w", t.Status, ErrIllegalTransition)
	}
	now := time.Now().UTC()
	t.Status = TransactionStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) MarkFailed(reason string) error {
	if t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed {
		return fmt.Errorf("MarkFailed: from status %s: %w", t.Status, ErrIllegalTransition)
	}
	t.Status = TransactionStatusFailed
	t.FailureReason = &reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}
