// Package resolver finds the token account an owner holds for a mint, and
// produces the instruction that creates it when it doesn't exist yet.
package resolver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/metrics"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/token"
)

const metricsStructName = "resolver"

// ErrAccountResolution is matched by every *AccountResolutionError.
var ErrAccountResolution = errors.New("account resolution failed")

// AccountResolutionError is a failed ledger read. The read is safe to retry.
type AccountResolutionError struct {
	Address ed25519.PublicKey
	Err     error
}

func (e *AccountResolutionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrAccountResolution.Error(), base58.Encode(e.Address), e.Err)
}

func (e *AccountResolutionError) Is(target error) bool {
	return target == ErrAccountResolution
}

func (e *AccountResolutionError) Unwrap() error {
	return e.Err
}

type Kind uint8

const (
	// KindCreate means the account doesn't exist and Resolution.Create
	// creates it.
	KindCreate Kind = iota

	// KindExisting means the associated account already exists.
	KindExisting

	// KindOwnerIsTokenAccount means the owner passed in is itself a token
	// account for the mint, and is used as is.
	KindOwnerIsTokenAccount

	// KindForeign means something not owned by the token program already
	// occupies the associated address.
	KindForeign
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindExisting:
		return "existing"
	case KindOwnerIsTokenAccount:
		return "owner_is_token_account"
	case KindForeign:
		return "foreign"
	}
	return "unknown"
}

// Resolution is the token account to use, plus the instruction that creates
// it when needed. Create is only set for KindCreate.
type Resolution struct {
	Address ed25519.PublicKey
	Create  *solana.Instruction
	Kind    Kind
}

// Resolver resolves associated token accounts against a ledger. It never
// caches ledger state.
type Resolver struct {
	log    *logrus.Entry
	conf   *conf
	ledger ledger.Ledger
	group  singleflight.Group
}

func New(l ledger.Ledger, configProvider ConfigProvider) *Resolver {
	return &Resolver{
		log:    logrus.StandardLogger().WithField("type", "resolver"),
		conf:   configProvider(),
		ledger: l,
	}
}

// Resolve returns the token account owner holds for mint. payer funds the
// creation if one is needed.
func (r *Resolver) Resolve(ctx context.Context, payer, owner, mint ed25519.PublicKey) (*Resolution, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Resolve")
	defer tracer.End()

	log := r.log.WithFields(logrus.Fields{
		"method": "Resolve",
		"owner":  base58.Encode(owner),
		"mint":   base58.Encode(mint),
	})

	resolution, err := r.resolve(ctx, log, payer, owner, mint)
	if err != nil {
		tracer.OnError(err)
		return nil, err
	}

	tracer.AddAttribute("kind", resolution.Kind.String())
	log.WithFields(logrus.Fields{
		"address": base58.Encode(resolution.Address),
		"kind":    resolution.Kind.String(),
	}).Debug("resolved associated account")
	return resolution, nil
}

func (r *Resolver) resolve(ctx context.Context, log *logrus.Entry, payer, owner, mint ed25519.PublicKey) (*Resolution, error) {
	ownerAccount, err := r.getAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	if ownerAccount != nil && bytes.Equal(ownerAccount.Owner, token.ProgramKey) {
		var tokenAccount token.Account
		if err := tokenAccount.Unmarshal(ownerAccount.Data); err == nil && bytes.Equal(tokenAccount.Mint, mint) {
			return &Resolution{
				Address: owner,
				Kind:    KindOwnerIsTokenAccount,
			}, nil
		}
		log.Debug("owner is a token account for another mint, deriving")
	}

	address, err := token.GetAssociatedAccount(owner, mint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive associated account")
	}

	account, err := r.getAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	switch {
	case account == nil:
		create, _, err := token.CreateAssociatedTokenAccount(payer, owner, mint)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build associated account creation")
		}
		return &Resolution{
			Address: address,
			Create:  &create,
			Kind:    KindCreate,
		}, nil
	case bytes.Equal(account.Owner, token.ProgramKey):
		return &Resolution{
			Address: address,
			Kind:    KindExisting,
		}, nil
	default:
		log.WithFields(logrus.Fields{
			"address":       base58.Encode(address),
			"account_owner": base58.Encode(account.Owner),
		}).Warn("associated address is held by another program")
		return &Resolution{
			Address: address,
			Kind:    KindForeign,
		}, nil
	}
}

// getAccount reads address, returning nil if nothing exists there. When
// coalescing is enabled, concurrent reads of the same address share a
// single in-flight request.
func (r *Resolver) getAccount(ctx context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	var result interface{}
	var err error
	if r.conf.coalesce.Get(ctx) {
		// The read is shared, so one caller giving up must not fail the
		// others waiting on it.
		shared := context.WithoutCancel(ctx)
		read := func() (interface{}, error) {
			return r.ledger.GetAccount(shared, address)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-r.group.DoChan(string(address), read):
			result, err = res.Val, res.Err
		}
	} else {
		result, err = r.ledger.GetAccount(ctx, address)
	}

	if err == ledger.ErrAccountNotFound {
		return nil, nil
	} else if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &AccountResolutionError{Address: address, Err: err}
	}
	return result.(*ledger.Account), nil
}
