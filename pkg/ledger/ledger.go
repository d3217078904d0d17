// Package ledger defines the boundary between the client and the ledger it
// reads from and submits to.
package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
)

var (
	// ErrAccountNotFound is returned when no account exists at an address.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransport indicates the request may not have reached the ledger.
	// Operations that fail with it are safe to repeat with the same input.
	ErrTransport = errors.New("ledger transport error")

	// ErrRejected is matched by every *RejectedError.
	ErrRejected = errors.New("transaction rejected")
)

// Account is a snapshot of an account's state.
type Account struct {
	Address    ed25519.PublicKey
	Owner      ed25519.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}

// FreshnessToken binds a transaction to a window of validity. Transactions
// referencing Blockhash are accepted until the block height passes
// ExpiryHeight.
type FreshnessToken struct {
	Blockhash    solana.Blockhash
	ExpiryHeight uint64
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusConfirmed
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// TransactionStatus is the ledger's view of a submitted transaction.
// Rejection is only set when Status is StatusRejected.
type TransactionStatus struct {
	Status    Status
	Slot      uint64
	Rejection *RejectedError
}

// RejectedError is a deterministic refusal by the ledger. The reason is
// surfaced verbatim, and the same transaction will be refused again.
type RejectedError struct {
	Reason string
	Err    *solana.TransactionError
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectedError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// IsAccountAlreadyInUse reports whether the rejection was caused by
// creating an account that already exists.
func (e *RejectedError) IsAccountAlreadyInUse() bool {
	return e.Err != nil && e.Err.IsAccountAlreadyInUse()
}

// IsAlreadyProcessed reports whether the ledger refused a resend of a
// transaction it already executed. The transaction itself was not refused.
func (e *RejectedError) IsAlreadyProcessed() bool {
	return e.Err != nil && e.Err.IsAlreadyProcessed()
}

// IsBlockhashNotFound reports whether the transaction's freshness token was
// unknown to the ledger when it was sent.
func (e *RejectedError) IsBlockhashNotFound() bool {
	return e.Err != nil && e.Err.IsBlockhashNotFound()
}

// NewRejectedError wraps a transaction error as a rejection.
func NewRejectedError(txErr *solana.TransactionError) *RejectedError {
	return &RejectedError{
		Reason: txErr.Reason(),
		Err:    txErr,
	}
}

// Ledger is the set of ledger operations the client depends on.
type Ledger interface {
	// GetAccount returns ErrAccountNotFound if nothing exists at address.
	GetAccount(ctx context.Context, address ed25519.PublicKey) (*Account, error)

	GetLatestFreshnessToken(ctx context.Context) (FreshnessToken, error)

	GetBlockHeight(ctx context.Context) (uint64, error)

	// SubmitTransaction sends a serialized, signed transaction and returns
	// its signature once the ledger has accepted it for processing. It
	// fails with a *RejectedError when the ledger refuses it outright, or
	// ErrTransport when delivery is in doubt. Resending bytes the ledger
	// already executed either succeeds or fails with a rejection for which
	// IsAlreadyProcessed is true.
	SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error)

	GetTransactionStatus(ctx context.Context, sig solana.Signature) (*TransactionStatus, error)

	// GetBalance returns the lamports held at address. An address with no
	// account holds none.
	GetBalance(ctx context.Context, address ed25519.PublicKey) (uint64, error)

	// RequestAirdrop asks the ledger to credit lamports to address. Only
	// test networks honor it. The returned signature is tracked with
	// GetTransactionStatus like any submission.
	RequestAirdrop(ctx context.Context, address ed25519.PublicKey, lamports uint64) (solana.Signature, error)
}
