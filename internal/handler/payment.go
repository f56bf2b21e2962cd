package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
	"github.com/clearledger/transferer/internal/logging"
)

type paymentService interface {
	InitiatePayment(ctx context.Context, senderAccountID, recipientAccountID uuid.UUID, amount decimal.Decimal, description string) (*domain.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	ListPaymentsByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Payment, error)
	ListPaymentsByStatus(ctx context.Context, status domain.PaymentStatus) ([]domain.Payment, error)
}

type PaymentHandler struct {
	payments paymentService
}

func NewPaymentHandler(payments paymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type initiatePaymentRequest struct {
	SenderAccountID    string `json:"sender_account_id"`
	RecipientAccountID string `json:"recipient_account_id"`
	Amount             string `json:"amount"`
	Description        string `json:"description"`
}

type initiatePaymentInput struct {
	sender    uuid.UUID
	recipient uuid.UUID
	amount    decimal.Decimal
}

func (r initiatePaymentRequest) Validate() ([]FieldError, initiatePaymentInput) {
	var (
		errs  []FieldError
		input initiatePaymentInput
		err   error
	)

	if input.sender, err = uuid.Parse(r.SenderAccountID); err != nil {
		errs = append(errs, FieldError{Field: "sender_account_id", Message: "must be a UUID"})
	}
	if input.recipient, err = uuid.Parse(r.RecipientAccountID); err != nil {
		errs = append(errs, FieldError{Field: "recipient_account_id", Message: "must be a UUID"})
	}

	if r.Amount == "" {
		errs = append(errs, FieldError{Field: "amount", Message: "required"})
	} else if input.amount, err = decimal.NewFromString(r.Amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: "must be a decimal number"})
	} else if input.amount.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than zero"})
	}

	return errs, input
}

type paymentDTO struct {
	ID                 uuid.UUID       `json:"id"`
	TransactionID      *uuid.UUID      `json:"transaction_id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	Description        string          `json:"description,omitempty"`
	Status             string          `json:"status"`
	CurrentStep        string          `json:"current_step"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

func toPaymentDTO(p *domain.Payment) paymentDTO {
	return paymentDTO{
		ID:                 p.ID,
		TransactionID:      p.TransactionID,
		SenderAccountID:    p.SenderAccountID,
		RecipientAccountID: p.RecipientAccountID,
		Amount:             p.Amount,
		Description:        p.Description,
		Status:             string(p.Status),
		CurrentStep:        string(p.CurrentStep),
		FailureReason:      p.FailureReason,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		CompletedAt:        p.CompletedAt,
	}
}

// Initiate accepts the transfer and returns the payment in whatever state the
// saga reached by response time. Callers poll Get for the final outcome.
func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	fields, input := req.Validate()
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	payment, err := h.payments.InitiatePayment(r.Context(), input.sender, input.recipient, input.amount, req.Description)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to initiate payment", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusAccepted, toPaymentDTO(payment))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, appErr := idFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	payment, err := h.payments.GetPayment(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toPaymentDTO(payment))
}

func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		payments []domain.Payment
		err      error
	)

	switch {
	case r.URL.Query().Get("account_id") != "":
		accountID, parseErr := uuid.Parse(r.URL.Query().Get("account_id"))
		if parseErr != nil {
			RespondValidationError(w, []FieldError{{Field: "account_id", Message: "must be a UUID"}})
			return
		}
		payments, err = h.payments.ListPaymentsByAccount(r.Context(), accountID)
	case r.URL.Query().Get("status") != "":
		payments, err = h.payments.ListPaymentsByStatus(r.Context(), domain.PaymentStatus(r.URL.Query().Get("status")))
	default:
		RespondValidationError(w, []FieldError{{Field: "account_id", Message: "account_id or status query parameter required"}})
		return
	}

	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list payments", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]paymentDTO, len(payments))
	for i := range payments {
		dtos[i] = toPaymentDTO(&payments[i])
	}

	RespondSuccess(w, http.StatusOK, dtos)
}
