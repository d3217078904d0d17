package system

import (
	"bytes"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/binary"
)

// ProgramKey is the system program, 11111111111111111111111111111111.
var ProgramKey [32]byte

// RentSysVar is SysvarRent111111111111111111111111111111111.
var RentSysVar = solana.MustBase58Decode("SysvarRent111111111111111111111111111111111")

const (
	commandCreateAccount uint32 = 0
	commandTransfer      uint32 = 2
)

var (
	createAccountLayout = binary.NewLayout(
		binary.U32("instruction"),
		binary.U64("lamports"),
		binary.U64("space"),
		binary.PublicKey("owner"),
	)

	transferLayout = binary.NewLayout(
		binary.U32("instruction"),
		binary.U64("lamports"),
	)
)

// CreateAccount allocates size bytes at address, funded by funder and
// assigned to owner.
//
//	0. [WRITE, SIGNER] Funding account
//	1. [WRITE, SIGNER] New account
func CreateAccount(funder, address, owner ed25519.PublicKey, lamports, size uint64) solana.Instruction {
	data, err := createAccountLayout.Encode(binary.Values{
		"instruction": commandCreateAccount,
		"lamports":    lamports,
		"space":       size,
		"owner":       owner,
	})
	if err != nil {
		panic(err)
	}

	return solana.NewInstruction(
		ProgramKey[:],
		data,
		solana.NewAccountMeta(funder, true),
		solana.NewAccountMeta(address, true),
	)
}

type DecompiledCreateAccount struct {
	Funder  ed25519.PublicKey
	Address ed25519.PublicKey

	Lamports uint64
	Size     uint64
	Owner    ed25519.PublicKey
}

func DecompileCreateAccount(ix solana.Instruction) (*DecompiledCreateAccount, error) {
	values, err := decompile(ix, commandCreateAccount, createAccountLayout, 2)
	if err != nil {
		return nil, err
	}

	return &DecompiledCreateAccount{
		Funder:   ix.Accounts[0].PublicKey,
		Address:  ix.Accounts[1].PublicKey,
		Lamports: values.Uint64("lamports"),
		Size:     values.Uint64("space"),
		Owner:    values.PublicKey("owner"),
	}, nil
}

// Transfer moves lamports between two system owned accounts.
//
//	0. [WRITE, SIGNER] Funding account
//	1. [WRITE] Recipient account
func Transfer(from, to ed25519.PublicKey, lamports uint64) solana.Instruction {
	data, err := transferLayout.Encode(binary.Values{
		"instruction": commandTransfer,
		"lamports":    lamports,
	})
	if err != nil {
		panic(err)
	}

	return solana.NewInstruction(
		ProgramKey[:],
		data,
		solana.NewAccountMeta(from, true),
		solana.NewAccountMeta(to, false),
	)
}

type DecompiledTransfer struct {
	From     ed25519.PublicKey
	To       ed25519.PublicKey
	Lamports uint64
}

func DecompileTransfer(ix solana.Instruction) (*DecompiledTransfer, error) {
	values, err := decompile(ix, commandTransfer, transferLayout, 2)
	if err != nil {
		return nil, err
	}

	return &DecompiledTransfer{
		From:     ix.Accounts[0].PublicKey,
		To:       ix.Accounts[1].PublicKey,
		Lamports: values.Uint64("lamports"),
	}, nil
}

func decompile(ix solana.Instruction, command uint32, layout binary.Layout, numAccounts int) (binary.Values, error) {
	if !bytes.Equal(ix.Program, ProgramKey[:]) {
		return nil, solana.ErrIncorrectProgram
	}

	values, n, err := layout.DecodePrefix(ix.Data)
	if err != nil {
		return nil, solana.ErrIncorrectInstruction
	}
	if values.Uint32("instruction") != command {
		return nil, solana.ErrIncorrectInstruction
	}
	if n != len(ix.Data) {
		return nil, errors.Errorf("invalid instruction data size: %d", len(ix.Data))
	}
	if len(ix.Accounts) != numAccounts {
		return nil, errors.Errorf("invalid number of accounts: %d", len(ix.Accounts))
	}

	return values, nil
}
