package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
	"github.com/clearledger/transferer/internal/logging"
)

type transactionService interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Transaction, error)
	ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error)
}

type TransactionHandler struct {
	transactions transactionService
}

func NewTransactionHandler(transactions transactionService) *TransactionHandler {
	return &TransactionHandler{transactions: transactions}
}

type transactionDTO struct {
	ID                 uuid.UUID       `json:"id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	Description        string          `json:"description,omitempty"`
	Status             string          `json:"status"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

func toTransactionDTO(t *domain.Transaction) transactionDTO {
	return transactionDTO{
		ID:                 t.ID,
		SenderAccountID:    t.SenderAccountID,
		RecipientAccountID: t.RecipientAccountID,
		Amount:             t.Amount,
		Description:        t.Description,
		Status:             string(t.Status),
		FailureReason:      t.FailureReason,
		CreatedAt:          t.CreatedAt,
		CompletedAt:        t.CompletedAt,
	}
}

func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, appErr := idFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	txn, err := h.transactions.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(txn))
}

func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		txns []domain.Transaction
		err  error
	)

	switch {
	case r.URL.Query().Get("account_id") != "":
		accountID, parseErr := uuid.Parse(r.URL.Query().Get("account_id"))
		if parseErr != nil {
			RespondValidationError(w, []FieldError{{Field: "account_id", Message: "must be a UUID"}})
			return
		}
		txns, err = h.transactions.ListByAccount(r.Context(), accountID)
	case r.URL.Query().Get("status") != "":
		txns, err = h.transactions.ListByStatus(r.Context(), domain.TransactionStatus(r.URL.Query().Get("status")))
	default:
		RespondValidationError(w, []FieldError{{Field: "account_id", Message: "account_id or status query parameter required"}})
		return
	}

	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list transactions", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]transactionDTO, len(txns))
	for i := range txns {
		dtos[i] = toTransactionDTO(&txns[i])
	}

	RespondSuccess(w, http.StatusOK, dtos)
}
