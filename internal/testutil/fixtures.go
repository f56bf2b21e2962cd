package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
)

// SeedAccount inserts an active account with the given balance directly,
// bypassing the service layer so tests control the starting state exactly.
func SeedAccount(t *testing.T, db *sql.DB, accountNumber, holderName string, balance decimal.Decimal) *domain.Account {
	t.Helper()

	now := time.Now().UTC()
	account := &domain.Account{
		ID:            uuid.New(),
		AccountNumber: accountNumber,
		HolderName:    holderName,
		Balance:       balance,
		Status:        domain.AccountStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO accounts (
			id, account_number, holder_name, balance, status, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.AccountNumber, account.HolderName,
		account.Balance, account.Status, account.Version,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed account %s: %v", accountNumber, err)
	}
	return account
}

// AccountBalance reads the current balance straight from the row.
func AccountBalance(t *testing.T, db *sql.DB, id uuid.UUID) decimal.Decimal {
	t.Helper()

	var balance decimal.Decimal
	err := db.QueryRowContext(context.Background(),
		`SELECT balance FROM accounts WHERE id = $1`, id,
	).Scan(&balance)
	if err != nil {
		t.Fatalf("read balance for %s: %v", id, err)
	}
	return balance
}
