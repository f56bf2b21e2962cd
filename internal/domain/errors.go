package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountInactive   = errors.New("account is not active")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrSelfTransfer      = errors.New("cannot transfer to same account")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrTransactionIDSet  = errors.New("transaction id is already set")
	ErrVersionConflict   = errors.New("optimistic lock conflict")
	ErrInvalidRequest    = errors.New("invalid request")
)
