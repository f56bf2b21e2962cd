package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	p, err := NewPayment(uuid.New(), uuid.New(), decimal.NewFromInt(100), "rent")
	require.NoError(t, err)
	return p
}

func TestNewPayment_Validation(t *testing.T) {
	sender := uuid.New()

	tests := []struct {
		name      string
		sender    uuid.UUID
		recipient uuid.UUID
		amount    decimal.Decimal
		wantErr   error
	}{
		{"nil sender", uuid.Nil, uuid.New(), decimal.NewFromInt(10), ErrInvalidRequest},
		{"nil recipient", uuid.New(), uuid.Nil, decimal.NewFromInt(10), ErrInvalidRequest},
		{"self transfer", sender, sender, decimal.NewFromInt(10), ErrSelfTransfer},
		{"zero amount", uuid.New(), uuid.New(), decimal.Zero, ErrInvalidAmount},
		{"negative amount", uuid.New(), uuid.New(), decimal.NewFromInt(-5), ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPayment(tt.sender, tt.recipient, tt.amount, "")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewPayment_InitialState(t *testing.T) {
	p := newTestPayment(t)

	assert.Equal(t, PaymentStatusPending, p.Status)
	assert.Equal(t, StepInitiated, p.CurrentStep)
	assert.Nil(t, p.TransactionID)
	assert.EqualValues(t, 0, p.Version)
}

func TestPayment_SetTransactionID_WriteOnce(t *testing.T) {
	p := newTestPayment(t)

	require.NoError(t, p.SetTransactionID(uuid.New()))
	err := p.SetTransactionID(uuid.New())
	assert.ErrorIs(t, err, ErrTransactionIDSet)
}

func TestPayment_StepTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    PaymentStep
		to      PaymentStep
		wantErr bool
	}{
		{"initiated to transaction created", StepInitiated, StepTransactionCreated, false},
		{"initiated to failed", StepInitiated, StepFailed, false},
		{"initiated skips to debited", StepInitiated, StepSenderDebited, true},
		{"processing to debited", StepTransactionProcessing, StepSenderDebited, false},
		{"debited to credited", StepSenderDebited, StepRecipientCredited, false},
		{"debited to compensating", StepSenderDebited, StepCompensatingSenderCredit, false},
		{"credited to compensating", StepRecipientCredited, StepCompensatingSenderCredit, false},
		{"compensating to compensated", StepCompensatingSenderCredit, StepCompensated, false},
		{"backwards", StepRecipientCredited, StepSenderDebited, true},
		{"out of terminal", StepCompleted, StepFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPayment(t)
			p.CurrentStep = tt.from

			err := p.AdvanceToStep(tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, tt.from, p.CurrentStep)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.to, p.CurrentStep)
			}
		})
	}
}

func TestPayment_MarkCompleted(t *testing.T) {
	p := newTestPayment(t)
	p.Status = PaymentStatusProcessing
	p.CurrentStep = StepRecipientCredited

	require.NoError(t, p.MarkCompleted())
	assert.Equal(t, PaymentStatusCompleted, p.Status)
	assert.Equal(t, StepCompleted, p.CurrentStep)
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.IsTerminal())
}

func TestPayment_MarkCompleted_RequiresCreditedStep(t *testing.T) {
	p := newTestPayment(t)
	p.Status = PaymentStatusProcessing
	p.CurrentStep = StepSenderDebited

	assert.ErrorIs(t, p.MarkCompleted(), ErrIllegalTransition)
}

func TestPayment_RequiresCompensation(t *testing.T) {
	tests := []struct {
		name   string
		status PaymentStatus
		step   PaymentStep
		want   bool
	}{
		{"processing at debited", PaymentStatusProcessing, StepSenderDebited, true},
		{"processing at credited", PaymentStatusProcessing, StepRecipientCredited, true},
		{"processing before debit", PaymentStatusProcessing, StepTransactionProcessing, false},
		{"pending at debited", PaymentStatusPending, StepSenderDebited, false},
		{"completed", PaymentStatusCompleted, StepCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPayment(t)
			p.Status = tt.status
			p.CurrentStep = tt.step
			assert.Equal(t, tt.want, p.RequiresCompensation())
		})
	}
}

func TestPayment_CompensationFlow(t *testing.T) {
	p := newTestPayment(t)
	p.Status = PaymentStatusProcessing
	p.CurrentStep = StepSenderDebited

	require.NoError(t, p.StartCompensation("credit recipient: account is not active"))
	assert.Equal(t, PaymentStatusCompensating, p.Status)
	assert.Equal(t, StepCompensatingSenderCredit, p.CurrentStep)
	require.NotNil(t, p.FailureReason)

	require.NoError(t, p.MarkCompensated())
	assert.Equal(t, PaymentStatusFailed, p.Status)
	assert.Equal(t, StepCompensated, p.CurrentStep)
	assert.Equal(t, "credit recipient: account is not active", *p.FailureReason)
}

func TestPayment_StartCompensation_OutsideWindow(t *testing.T) {
	p := newTestPayment(t)
	p.Status = PaymentStatusProcessing
	p.CurrentStep = StepTransactionProcessing

	assert.ErrorIs(t, p.StartCompensation("nope"), ErrIllegalTransition)
}

func TestPayment_MarkFailed_Terminal(t *testing.T) {
	p := newTestPayment(t)

	require.NoError(t, p.MarkFailed("create transaction: boom"))
	assert.Equal(t, PaymentStatusFailed, p.Status)
	assert.Equal(t, StepFailed, p.CurrentStep)

	assert.ErrorIs(t, p.MarkFailed("again"), ErrIllegalTransition)
}
