package token

import (
	"bytes"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/binary"
)

// ProgramKey is TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA.
var ProgramKey = solana.MustBase58Decode("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

type Command byte

const (
	CommandInitializeMint Command = iota
	CommandInitializeAccount
	CommandInitializeMultisig
	CommandTransfer
)

const (
	ErrorNotRentExempt solana.CustomError = iota
	ErrorInsufficientFunds
	ErrorInvalidMint
	ErrorMintMismatch
	ErrorOwnerMismatch
)

var transferLayout = binary.NewLayout(
	binary.U8("instruction"),
	binary.U64("amount"),
)

// Transfer moves amount tokens from source to destination, authorized by
// owner.
//
//	0. [WRITE] Source account
//	1. [WRITE] Destination account
//	2. [SIGNER] Owner of the source account
func Transfer(source, destination, owner ed25519.PublicKey, amount uint64) solana.Instruction {
	data, err := transferLayout.Encode(binary.Values{
		"instruction": uint8(CommandTransfer),
		"amount":      amount,
	})
	if err != nil {
		panic(err)
	}

	return solana.NewInstruction(
		ProgramKey,
		data,
		solana.NewAccountMeta(source, false),
		solana.NewAccountMeta(destination, false),
		solana.NewReadonlyAccountMeta(owner, true),
	)
}

type DecompiledTransfer struct {
	Source      ed25519.PublicKey
	Destination ed25519.PublicKey
	Owner       ed25519.PublicKey
	Amount      uint64
}

func DecompileTransfer(ix solana.Instruction) (*DecompiledTransfer, error) {
	if !bytes.Equal(ix.Program, ProgramKey) {
		return nil, solana.ErrIncorrectProgram
	}
	if len(ix.Data) == 0 || Command(ix.Data[0]) != CommandTransfer {
		return nil, solana.ErrIncorrectInstruction
	}
	if len(ix.Data) != transferLayout.MinSize() {
		return nil, errors.Errorf("invalid instruction data size: %d", len(ix.Data))
	}
	if len(ix.Accounts) != 3 {
		return nil, errors.Errorf("invalid number of accounts: %d", len(ix.Accounts))
	}

	values, err := transferLayout.Decode(ix.Data)
	if err != nil {
		return nil, err
	}

	return &DecompiledTransfer{
		Source:      ix.Accounts[0].PublicKey,
		Destination: ix.Accounts[1].PublicKey,
		Owner:       ix.Accounts[2].PublicKey,
		Amount:      values.Uint64("amount"),
	}, nil
}
