package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
	"github.com/clearledger/transferer/internal/event"
	"github.com/clearledger/transferer/internal/outbox"
)

type transactionStore interface {
	Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
	Update(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error)
	ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error)
}

// TransactionService owns the ledger record lifecycle. Only Create, completion
// and failure publish events; MarkProcessing is an internal bookkeeping step
// nothing subscribes to.
type TransactionService struct {
	transactions transactionStore
	publisher    *outbox.Publisher
}

func NewTransactionService(transactions transactionStore, publisher *outbox.Publisher) *TransactionService {
	return &TransactionService{transactions: transactions, publisher: publisher}
}

func (s *TransactionService) Create(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount decimal.Decimal, description string) (*domain.Transaction, error) {
	txn, err := domain.NewTransaction(senderAccountID, recipientAccountID, amount, description)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	err = s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		if err := s.transactions.Create(ctx, tx, txn); err != nil {
			return nil, err
		}
		return []event.Event{event.New(event.TypeTransactionCreated, txn.ID.String(), event.TransactionCreated{
			TransactionID:      txn.ID,
			SenderAccountID:    txn.SenderAccountID,
			RecipientAccountID: txn.RecipientAccountID,
			Amount:             txn.Amount,
			Description:        txn.Description,
		})}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	return txn, nil
}

func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.transactions.GetByID(ctx, id)
}

func (s *TransactionService) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error) {
	return s.transactions.ListByAccount(ctx, accountID)
}

func (s *TransactionService) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error) {
	return s.transactions.ListByStatus(ctx, status)
}

func (s *TransactionService) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		txn, err := s.transactions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := txn.MarkProcessing(); err != nil {
			return nil, err
		}
		if err := s.transactions.Update(ctx, tx, txn); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("MarkProcessing: transaction %s: %w", id, err)
	}
	return nil
}

func (s *TransactionService) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		txn, err := s.transactions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := txn.MarkCompleted(); err != nil {
			return nil, err
		}
		if err := s.transactions.Update(ctx, tx, txn); err != nil {
			return nil, err
		}
		return []event.Event{event.New(event.TypeTransactionCompleted, txn.ID.String(), event.TransactionCompleted{
			TransactionID:      txn.ID,
			SenderAccountID:    txn.SenderAccountID,
			RecipientAccountID: txn.RecipientAccountID,
			Amount:             txn.Amount,
			CompletedAt:        *txn.CompletedAt,
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("MarkCompleted: transaction %s: %w", id, err)
	}
	return nil
}

func (s *TransactionService) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		txn, err := s.transactions.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := txn.MarkFailed(reason); err != nil {
			return nil, err
		}
		if err := s.transactions.Update(ctx, tx, txn); err != nil {
			return nil, err
		}
		return []event.Event{event.New(event.TypeTransactionFailed, txn.ID.String(), event.TransactionFailed{
			TransactionID:      txn.ID,
			SenderAccountID:    txn.SenderAccountID,
			RecipientAccountID: txn.RecipientAccountID,
			Amount:             txn.Amount,
			FailureReason:      reason,
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("MarkFailed: transaction %s: %w", id, err)
	}
	return nil
}
