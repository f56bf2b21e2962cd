// Package service holds the application layer: the account and ledger
// collaborators and the payment saga that orchestrates them. All state
// changes flow through the outbox publisher so events and state commit
// together.
package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
	"github.com/clearledger/transferer/internal/event"
	"github.com/clearledger/transferer/internal/outbox"
)

type accountStore interface {
	Create(ctx context.Context, tx *sql.Tx, account *domain.Account) error
	Update(ctx context.Context, tx *sql.Tx, account *domain.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
}

// AccountService owns balance mutation. Debit and Credit lock the row, apply
// the domain rules and emit the matching account event in one transaction, so
// a published AccountDebited always corresponds to a committed balance change.
type AccountService struct {
	accounts  accountStore
	publisher *outbox.Publisher
}

func NewAccountService(accounts accountStore, publisher *outbox.Publisher) *AccountService {
	return &AccountService{accounts: accounts, publisher: publisher}
}

func (s *AccountService) Open(ctx context.Context, holderName string, initialBalance decimal.Decimal) (*domain.Account, error) {
	number, err := generateAccountNumber()
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	account, err := domain.NewAccount(number, holderName, initialBalance)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	err = s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		if err := s.accounts.Create(ctx, tx, account); err != nil {
			return nil, err
		}
		return []event.Event{event.New(event.TypeAccountOpened, account.ID.String(), event.AccountOpened{
			AccountID:     account.ID,
			AccountNumber: account.AccountNumber,
			HolderName:    account.HolderName,
			Balance:       account.Balance,
		})}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	return account, nil
}

func (s *AccountService) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

func (s *AccountService) GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	return s.accounts.GetByNumber(ctx, accountNumber)
}

func (s *AccountService) List(ctx context.Context) ([]domain.Account, error) {
	return s.accounts.List(ctx)
}

func (s *AccountService) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetBalance: %w", err)
	}
	return account.Balance, nil
}

// Debit withdraws amount from the account, attributed to the given ledger
// transaction. Domain errors (insufficient funds, inactive account) come back
// unwrapped enough for errors.Is checks by the saga.
func (s *AccountService) Debit(ctx context.Context, accountID, transactionID uuid.UUID, amount decimal.Decimal) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		account, err := s.accounts.GetForUpdate(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}
		if err := account.Debit(amount); err != nil {
			return nil, err
		}
		if err := s.accounts.Update(ctx, tx, account); err != nil {
			return nil, err
		}
		return []event.Event{event.New(event.TypeAccountDebited, account.ID.String(), event.AccountDebited{
			AccountID:     account.ID,
			TransactionID: transactionID,
			AccountNumber: account.AccountNumber,
			Amount:        amount,
			NewBalance:    account.Balance,
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("Debit: account %s: %w", accountID, err)
	}
	return nil
}

func (s *AccountService) Credit(ctx context.Context, accountID, transactionID uuid.UUID, amount decimal.Decimal) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		account, err := s.accounts.GetForUpdate(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}
		if err := account.Credit(amount); err != nil {
			return nil, err
		}
		if err := s.accounts.Update(ctx, tx, account); err != nil {
			return nil, err
		}
		return []event.Event{event.New(event.TypeAccountCredited, account.ID.String(), event.AccountCredited{
			AccountID:     account.ID,
			TransactionID: transactionID,
			AccountNumber: account.AccountNumber,
			Amount:        amount,
			NewBalance:    account.Balance,
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("Credit: account %s: %w", accountID, err)
	}
	return nil
}

func (s *AccountService) Suspend(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, event.TypeAccountSuspended, func(a *domain.Account) { a.Suspend() })
}

func (s *AccountService) Activate(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, event.TypeAccountActivated, func(a *domain.Account) { a.Activate() })
}

func (s *AccountService) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, event.TypeAccountDeactivated, func(a *domain.Account) { a.Deactivate() })
}

func (s *AccountService) setStatus(ctx context.Context, id uuid.UUID, eventType event.Type, apply func(*domain.Account)) error {
	err := s.publisher.SaveAndPublish(ctx, func(tx *sql.Tx) ([]event.Event, error) {
		account, err := s.accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		apply(account)
		if err := s.accounts.Update(ctx, tx, account); err != nil {
			return nil, err
		}
		return []event.Event{event.New(eventType, account.ID.String(), event.AccountStatusChanged{
			AccountID:     account.ID,
			AccountNumber: account.AccountNumber,
		})}, nil
	})
	if err != nil {
		return fmt.Errorf("setStatus: account %s: %w", id, err)
	}
	return nil
}

func generateAccountNumber() (string, error) {
	limit := big.NewInt(0).Exp(big.NewInt(10), big.NewInt(10), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generateAccountNumber: %w", err)
	}
	return fmt.Sprintf("%010d", n), nil
}
