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

type accountService interface {
	Open(ctx context.Context, holderName string, initialBalance decimal.Decimal) (*domain.Account, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
	Suspend(ctx context.Context, id uuid.UUID) error
	Activate(ctx context.Context, id uuid.UUID) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type AccountHandler struct {
	accounts accountService
}

func NewAccountHandler(accounts accountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

type openAccountRequest struct {
	HolderName     string `json:"holder_name"`
	InitialBalance string `json:"initial_balance"`
}

func (r openAccountRequest) Validate() ([]FieldError, decimal.Decimal) {
	var errs []FieldError
	if r.HolderName == "" {
		errs = append(errs, FieldError{Field: "holder_name", Message: "required"})
	}

	balance := decimal.Zero
	if r.InitialBalance != "" {
		parsed, err := decimal.NewFromString(r.InitialBalance)
		switch {
		case err != nil:
			errs = append(errs, FieldError{Field: "initial_balance", Message: "must be a decimal number"})
		case parsed.IsNegative():
			errs = append(errs, FieldError{Field: "initial_balance", Message: "must not be negative"})
		default:
			balance = parsed
		}
	}
	return errs, balance
}

type accountDTO struct {
	ID            uuid.UUID       `json:"id"`
	AccountNumber string          `json:"account_number"`
	HolderName    string          `json:"holder_name"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toAccountDTO(a *domain.Account) accountDTO {
	return accountDTO{
		ID:            a.ID,
		AccountNumber: a.AccountNumber,
		HolderName:    a.HolderName,
		Balance:       a.Balance,
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (h *AccountHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	fields, balance := req.Validate()
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	account, err := h.accounts.Open(r.Context(), req.HolderName, balance)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to open account", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toAccountDTO(account))
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, appErr := idFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toAccountDTO(account))
}

func (h *AccountHandler) GetByNumber(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	if number == "" {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	account, err := h.accounts.GetByNumber(r.Context(), number)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toAccountDTO(account))
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list accounts", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]accountDTO, len(accounts))
	for i := range accounts {
		dtos[i] = toAccountDTO(&accounts[i])
	}

	RespondSuccess(w, http.StatusOK, dtos)
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, appErr := idFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	balance, err := h.accounts.GetBalance(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, map[string]any{"account_id": id, "balance": balance})
}

func (h *AccountHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.accounts.Suspend)
}

func (h *AccountHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.accounts.Activate)
}

func (h *AccountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.accounts.Deactivate)
}

func (h *AccountHandler) setStatus(w http.ResponseWriter, r *http.Request, apply func(context.Context, uuid.UUID) error) {
	id, appErr := idFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	if err := apply(r.Context(), id); err != nil {
		logging.FromContext(r.Context()).Error("failed to change account status", "account_id", id, "error", err)
		RespondDomainError(w, err)
		return
	}

	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toAccountDTO(account))
}

func idFromPath(r *http.Request) (uuid.UUID, *AppError) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, ErrInvalidRequest
	}
	return id, nil
}
