package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clearledger/transferer/internal/domain"
)

const transactionColumns = `id, sender_account_id, recipient_account_id, amount,
	description, status, failure_reason, created_at, updated_at, completed_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (
			id, sender_account_id, recipient_account_id, amount,
			description, status, failure_reason, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.SenderAccountID, txn.RecipientAccountID, txn.Amount,
		txn.Description, txn.Status, txn.FailureReason,
		txn.CreatedAt, txn.UpdatedAt, txn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *TransactionRepository) Update(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions
		SET status = $1, failure_reason = $2, updated_at = $3, completed_at = $4
		WHERE id = $5`,
		txn.Status, txn.FailureReason, txn.UpdatedAt, txn.CompletedAt, txn.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Update: transaction %s: %w", txn.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE sender_account_id = $1 OR recipient_account_id = $1
		ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByAccount: %w", err)
	}
	return collectTransactions(rows, "ListByAccount")
}

func (r *TransactionRepository) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 ORDER BY created_at DESC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByStatus: %w", err)
	}
	return collectTransactions(rows, "ListByStatus")
}

func collectTransactions(rows *sql.Rows, op string) ([]domain.Transaction, error) {
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return txns, nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	err := s.Scan(
		&t.ID, &t.SenderAccountID, &t.RecipientAccountID, &t.Amount,
		&t.Description, &t.Status, &t.FailureReason,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
