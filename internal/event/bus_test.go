package event

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(t Type) Event {
	return New(t, uuid.NewString(), PaymentInitiated{
		PaymentID:          uuid.New(),
		SenderAccountID:    uuid.New(),
		RecipientAccountID: uuid.New(),
		Amount:             decimal.NewFromInt(100),
	})
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var first, second int
	bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		first++
		return nil
	})
	bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		second++
		return nil
	})
	bus.Subscribe(TypePaymentCompleted, func(ctx context.Context, evt Event) error {
		t.Fatal("handler for a different type must not fire")
		return nil
	})

	bus.Publish(ctx, testEvent(TypePaymentInitiated))

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var delivered int
	bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		delivered++
		return nil
	})

	bus.Publish(ctx, testEvent(TypePaymentInitiated))
	assert.Equal(t, 1, delivered)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var delivered int
	bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		panic("handler bug")
	})
	bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		delivered++
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Publish(ctx, testEvent(TypePaymentInitiated))
	})
	assert.Equal(t, 1, delivered)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var calls int
	unsubscribe := bus.Subscribe(TypePaymentInitiated, func(ctx context.Context, evt Event) error {
		calls++
		return nil
	})

	bus.Publish(ctx, testEvent(TypePaymentInitiated))
	unsubscribe()
	bus.Publish(ctx, testEvent(TypePaymentInitiated))

	assert.Equal(t, 1, calls)
}

func TestBus_StreamFiltersTypes(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := bus.Stream(ctx, TypePaymentCompleted)

	bus.Publish(context.Background(),
		testEvent(TypePaymentInitiated),
		testEvent(TypePaymentCompleted),
	)

	evt := <-stream
	assert.Equal(t, TypePaymentCompleted, evt.Type)
	assert.Empty(t, stream)
}

func TestBus_StreamClosesOnContextCancel(t *testing.T) {
	bus := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())

	stream := bus.Stream(ctx)
	cancel()

	_, open := <-stream
	assert.False(t, open)
}

func TestDecodeBody_RoundTrip(t *testing.T) {
	body := AccountDebited{
		AccountID:     uuid.New(),
		TransactionID: uuid.New(),
		AccountNumber: "0123456789",
		Amount:        decimal.RequireFromString("100.00"),
		NewBalance:    decimal.RequireFromString("900.00"),
	}
	data := []byte(`{
		"account_id": "` + body.AccountID.String() + `",
		"transaction_id": "` + body.TransactionID.String() + `",
		"account_number": "0123456789",
		"amount": "100.00",
		"new_balance": "900.00"
	}`)

	decoded, err := DecodeBody(TypeAccountDebited, data)
	require.NoError(t, err)

	got, ok := decoded.(AccountDebited)
	require.True(t, ok)
	assert.Equal(t, body.AccountID, got.AccountID)
	assert.Equal(t, body.TransactionID, got.TransactionID)
	assert.True(t, got.Amount.Equal(body.Amount))
}

func TestDecodeBody_UnknownType(t *testing.T) {
	_, err := DecodeBody(Type("NO_SUCH_EVENT"), []byte(`{}`))
	assert.Error(t, err)
}
