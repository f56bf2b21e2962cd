package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusInactive  AccountStatus = "INACTIVE"
)

type Account struct {
	ID            uuid.UUID
	AccountNumber string
	HolderName    string
	Balance       decimal.Decimal
	Status        AccountStatus
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewAccount(accountNumber, holderName string, initialBalance decimal.Decimal) (*Account, error) {
	if accountNumber == "" {
		return nil, fmt.Errorf("NewAccount: account number: %w", ErrInvalidRequest)
	}
	if holderName == "" {
		return nil, fmt.Errorf("NewAccount: holder name: %w", ErrInvalidRequest)
	}
	if initialBalance.IsNegative() {
		return nil, fmt.Errorf("NewAccount: initial balance: %w", ErrInvalidAmount)
	}

	now := time.Now().UTC()
	return &Account{
		ID:            uuid.New(),
		AccountNumber: accountNumber,
		HolderName:    holderName,
		Balance:       initialBalance,
		Status:        AccountStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (a *Account) Credit(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("Credit: %w", ErrInvalidAmount)
	}
	if a.Status != AccountStatusActive {
		return fmt.Errorf("Credit: %w", ErrAccountInactive)
	}
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (a *Account) Debit(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("Debit: %w", ErrInvalidAmount)
	}
	if a.Status != AccountStatusActive {
		return fmt.Errorf("Debit: %w", ErrAccountInactive)
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("Debit: %w", ErrInsufficientFunds)
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (a *Account) Suspend() {
	a.Status = AccountStatusSuspended
	a.UpdatedAt = time.Now().UTC()
}

func (a *Account) Activate() {
	a.Status = AccountStatusActive
	a.UpdatedAt = time.Now().UTC()
}

func (a *Account) Deactivate() {
	a.Status = AccountStatusInactive
	a.UpdatedAt = time.Now().UTC()
}
