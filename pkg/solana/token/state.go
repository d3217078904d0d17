package token

import (
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana/binary"
)

type AccountState byte

const (
	AccountStateUninitialized AccountState = iota
	AccountStateInitialized
	AccountStateFrozen
)

const (
	AccountSize = 165
	MintSize    = 82
)

var (
	accountLayout = binary.NewLayout(
		binary.PublicKey("mint"),
		binary.PublicKey("owner"),
		binary.U64("amount"),
		binary.COption("delegate", binary.PublicKey("")),
		binary.U8("state"),
		binary.COption("is_native", binary.U64("")),
		binary.U64("delegated_amount"),
		binary.COption("close_authority", binary.PublicKey("")),
	)

	mintLayout = binary.NewLayout(
		binary.COption("mint_authority", binary.PublicKey("")),
		binary.U64("supply"),
		binary.U8("decimals"),
		binary.Bool("is_initialized"),
		binary.COption("freeze_authority", binary.PublicKey("")),
	)
)

type Account struct {
	Mint   ed25519.PublicKey
	Owner  ed25519.PublicKey
	Amount uint64
	// If set, DelegatedAmount is the amount the delegate may move.
	Delegate ed25519.PublicKey
	State    AccountState
	// If set, this is a wrapped native account and the value is its
	// rent-exempt reserve.
	IsNative        *uint64
	DelegatedAmount uint64
	CloseAuthority  ed25519.PublicKey
}

func (a *Account) Marshal() []byte {
	b, err := accountLayout.Encode(binary.Values{
		"mint":             a.Mint,
		"owner":            a.Owner,
		"amount":           a.Amount,
		"delegate":         a.Delegate,
		"state":            uint8(a.State),
		"is_native":        a.IsNative,
		"delegated_amount": a.DelegatedAmount,
		"close_authority":  a.CloseAuthority,
	})
	if err != nil {
		panic(err)
	}
	return b
}

func (a *Account) Unmarshal(b []byte) error {
	if len(b) != AccountSize {
		return errors.Wrapf(binary.ErrDecoding, "invalid token account size: %d", len(b))
	}

	values, err := accountLayout.Decode(b)
	if err != nil {
		return err
	}

	a.Mint = values.PublicKey("mint")
	a.Owner = values.PublicKey("owner")
	a.Amount = values.Uint64("amount")
	a.Delegate = values.PublicKey("delegate")
	a.State = AccountState(values.Uint8("state"))
	a.IsNative = nil
	if values.IsSet("is_native") {
		reserve := values.Uint64("is_native")
		a.IsNative = &reserve
	}
	a.DelegatedAmount = values.Uint64("delegated_amount")
	a.CloseAuthority = values.PublicKey("close_authority")

	return nil
}

type Mint struct {
	MintAuthority   ed25519.PublicKey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority ed25519.PublicKey
}

func (m *Mint) Marshal() []byte {
	b, err := mintLayout.Encode(binary.Values{
		"mint_authority":   m.MintAuthority,
		"supply":           m.Supply,
		"decimals":         m.Decimals,
		"is_initialized":   m.IsInitialized,
		"freeze_authority": m.FreezeAuthority,
	})
	if err != nil {
		panic(err)
	}
	return b
}

func (m *Mint) Unmarshal(b []byte) error {
	if len(b) != MintSize {
		return errors.Wrapf(binary.ErrDecoding, "invalid mint size: %d", len(b))
	}

	values, err := mintLayout.Decode(b)
	if err != nil {
		return err
	}

	m.MintAuthority = values.PublicKey("mint_authority")
	m.Supply = values.Uint64("supply")
	m.Decimals = values.Uint8("decimals")
	m.IsInitialized = values.Bool("is_initialized")
	m.FreezeAuthority = values.PublicKey("freeze_authority")

	return nil
}
