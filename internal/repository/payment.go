package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clearledger/transferer/internal/domain"
)

const paymentColumns = `id, transaction_id, sender_account_id, recipient_account_id,
	amount, description, status, current_step, failure_reason, version,
	created_at, updated_at, completed_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payments (
			id, transaction_id, sender_account_id, recipient_account_id,
			amount, description, status, current_step, failure_reason, version,
			created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		payment.ID, payment.TransactionID,
		payment.SenderAccountID, payment.RecipientAccountID,
		payment.Amount, payment.Description,
		payment.Status, payment.CurrentStep, payment.FailureReason, payment.Version,
		payment.CreatedAt, payment.UpdatedAt, payment.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// Update persists the payment guarded by its version. Saga handlers rely on
// ErrVersionConflict to detect a concurrent or duplicate advancement and drop
// their write instead of clobbering it.
func (r *PaymentRepository) Update(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments
		SET transaction_id = $1, status = $2, current_step = $3, failure_reason = $4,
			version = version + 1, updated_at = $5, completed_at = $6
		WHERE id = $7 AND version = $8`,
		payment.TransactionID, payment.Status, payment.CurrentStep, payment.FailureReason,
		payment.UpdatedAt, payment.CompletedAt,
		payment.ID, payment.Version,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Update: payment %s version %d: %w", payment.ID, payment.Version, domain.ErrVersionConflict)
	}
	payment.Version++
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, transactionID,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByTransactionID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByTransactionID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE sender_account_id = $1 OR recipient_account_id = $1
		ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByAccount: %w", err)
	}
	return collectPayments(rows, "ListByAccount")
}

func (r *PaymentRepository) ListByStatus(ctx context.Context, status domain.PaymentStatus) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 ORDER BY created_at DESC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByStatus: %w", err)
	}
	return collectPayments(rows, "ListByStatus")
}

// ListInFlight returns payments that are neither completed nor failed, oldest
// first. The reconciler uses it to pick up sagas stalled by a lost event or a
// crash between commit and publish.
func (r *PaymentRepository) ListInFlight(ctx context.Context, limit int) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at
		LIMIT $4`,
		domain.PaymentStatusPending, domain.PaymentStatusProcessing, domain.PaymentStatusCompensating,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListInFlight: %w", err)
	}
	return collectPayments(rows, "ListInFlight")
}

func collectPayments(rows *sql.Rows, op string) ([]domain.Payment, error) {
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return payments, nil
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	err := s.Scan(
		&p.ID, &p.TransactionID,
		&p.SenderAccountID, &p.RecipientAccountID,
		&p.Amount, &p.Description,
		&p.Status, &p.CurrentStep, &p.FailureReason, &p.Version,
		&p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
