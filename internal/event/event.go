package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/transferer/internal/domain"
)

// Type is the closed enumeration of domain event kinds. Dispatch is always
// keyed on this value, never on the Go type of the payload.
type Type string

const (
	TypePaymentInitiated     Type = "PAYMENT_INITIATED"
	TypePaymentStepAdvanced  Type = "PAYMENT_STEP_ADVANCED"
	TypePaymentCompleted     Type = "PAYMENT_COMPLETED"
	TypePaymentFailed        Type = "PAYMENT_FAILED"
	TypeTransactionCreated   Type = "TRANSACTION_CREATED"
	TypeTransactionCompleted Type = "TRANSACTION_COMPLETED"
	TypeTransactionFailed    Type = "TRANSACTION_FAILED"
	TypeAccountOpened        Type = "ACCOUNT_OPENED"
	TypeAccountDebited       Type = "ACCOUNT_DEBITED"
	TypeAccountCredited      Type = "ACCOUNT_CREDITED"
	TypeAccountSuspended     Type = "ACCOUNT_SUSPENDED"
	TypeAccountActivated     Type = "ACCOUNT_ACTIVATED"
	TypeAccountDeactivated   Type = "ACCOUNT_DEACTIVATED"
)

// Event is the envelope for a fact that already happened. Body holds the
// typed payload for the event's Type; only the body is serialized into the
// outbox, the envelope fields travel as columns.
type Event struct {
	ID          uuid.UUID
	Type        Type
	AggregateID string
	OccurredAt  time.Time
	Body        any
}

func New(t Type, aggregateID string, body any) Event {
	return Event{
		ID:          uuid.New(),
		Type:        t,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Body:        body,
	}
}

type PaymentInitiated struct {
	PaymentID          uuid.UUID       `json:"payment_id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	Description        string          `json:"description,omitempty"`
}

type PaymentStepAdvanced struct {
	PaymentID    uuid.UUID           `json:"payment_id"`
	PreviousStep *domain.PaymentStep `json:"previous_step,omitempty"`
	CurrentStep  domain.PaymentStep  `json:"current_step"`
}

type PaymentCompleted struct {
	PaymentID          uuid.UUID       `json:"payment_id"`
	TransactionID      uuid.UUID       `json:"transaction_id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	CompletedAt        time.Time       `json:"completed_at"`
}

type PaymentFailed struct {
	PaymentID          uuid.UUID          `json:"payment_id"`
	TransactionID      *uuid.UUID         `json:"transaction_id,omitempty"`
	SenderAccountID    uuid.UUID          `json:"sender_account_id"`
	RecipientAccountID uuid.UUID          `json:"recipient_account_id"`
	Amount             decimal.Decimal    `json:"amount"`
	FailedAtStep       domain.PaymentStep `json:"failed_at_step"`
	FailureReason      string             `json:"failure_reason"`
}

type TransactionCreated struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	Description        string          `json:"description,omitempty"`
}

type TransactionCompleted struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	CompletedAt        time.Time       `json:"completed_at"`
}

type TransactionFailed struct {
	TransactionID      uuid.UUID       `json:"transaction_id"`
	SenderAccountID    uuid.UUID       `json:"sender_account_id"`
	RecipientAccountID uuid.UUID       `json:"recipient_account_id"`
	Amount             decimal.Decimal `json:"amount"`
	FailureReason      string          `json:"failure_reason"`
}

type AccountOpened struct {
	AccountID     uuid.UUID       `json:"account_id"`
	AccountNumber string          `json:"account_number"`
	HolderName    string          `json:"holder_name"`
	Balance       decimal.Decimal `json:"balance"`
}

type AccountDebited struct {
	AccountID     uuid.UUID       `json:"account_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

type AccountCredited struct {
	AccountID     uuid.UUID       `json:"account_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

type AccountStatusChanged struct {
	AccountID     uuid.UUID `json:"account_id"`
	AccountNumber string    `json:"account_number"`
}

// DecodeBody turns a serialized outbox body back into the payload struct for
// the given type. The switch is the single dispatch table for deserialization;
// adding an event kind means adding a case here.
func DecodeBody(t Type, data []byte) (any, error) {
	switch t {
	case TypePaymentInitiated:
		return decode[PaymentInitiated](data)
	case TypePaymentStepAdvanced:
		return decode[PaymentStepAdvanced](data)
	case TypePaymentCompleted:
		return decode[PaymentCompleted](data)
	case TypePaymentFailed:
		return decode[PaymentFailed](data)
	case TypeTransactionCreated:
		return decode[TransactionCreated](data)
	case TypeTransactionCompleted:
		return decode[TransactionCompleted](data)
	case TypeTransactionFailed:
		return decode[TransactionFailed](data)
	case TypeAccountOpened:
		return decode[AccountOpened](data)
	case TypeAccountDebited:
		return decode[AccountDebited](data)
	case TypeAccountCredited:
		return decode[AccountCredited](data)
	case TypeAccountSuspended, TypeAccountActivated, TypeAccountDeactivated:
		return decode[AccountStatusChanged](data)
	default:
		return nil, fmt.Errorf("DecodeBody: unknown event type %q", t)
	}
}

func decode[T any](data []byte) (any, error) {
	var body T
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode %T: %w", body, err)
	}
	return body, nil
}
