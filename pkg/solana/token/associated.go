package token

import (
	"bytes"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/system"
)

// AssociatedTokenAccountProgramKey is ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL.
var AssociatedTokenAccountProgramKey = solana.MustBase58Decode("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

const createAssociatedAccountNumAccounts = 7

// DeriveAssociatedAddress derives the canonical token account for owner and
// mint under the given token and associated account programs.
func DeriveAssociatedAddress(owner, mint, tokenProgram, associatedProgram ed25519.PublicKey) (ed25519.PublicKey, uint8, error) {
	return solana.FindProgramAddressAndBump(
		associatedProgram,
		owner,
		tokenProgram,
		mint,
	)
}

// GetAssociatedAccount returns the associated token account address for the
// owner and mint.
func GetAssociatedAccount(owner, mint ed25519.PublicKey) (ed25519.PublicKey, error) {
	addr, _, err := DeriveAssociatedAddress(owner, mint, ProgramKey, AssociatedTokenAccountProgramKey)
	return addr, err
}

// CreateAssociatedTokenAccount returns the instruction that creates the
// associated token account for owner and mint, funded by payer, along with
// the address it creates.
//
//	0. [WRITE, SIGNER] Funding account
//	1. [WRITE] Associated token account
//	2. [] Wallet address for the new associated token account
//	3. [] The token mint for the new associated token account
//	4. [] System program
//	5. [] SPL Token program
//	6. [] Rent sysvar
func CreateAssociatedTokenAccount(payer, owner, mint ed25519.PublicKey) (solana.Instruction, ed25519.PublicKey, error) {
	addr, err := GetAssociatedAccount(owner, mint)
	if err != nil {
		return solana.Instruction{}, nil, err
	}

	return solana.NewInstruction(
		AssociatedTokenAccountProgramKey,
		[]byte{},
		solana.NewAccountMeta(payer, true),
		solana.NewAccountMeta(addr, false),
		solana.NewReadonlyAccountMeta(owner, false),
		solana.NewReadonlyAccountMeta(mint, false),
		solana.NewReadonlyAccountMeta(system.ProgramKey[:], false),
		solana.NewReadonlyAccountMeta(ProgramKey, false),
		solana.NewReadonlyAccountMeta(system.RentSysVar, false),
	), addr, nil
}

type DecompiledCreateAssociatedAccount struct {
	Payer   ed25519.PublicKey
	Address ed25519.PublicKey
	Owner   ed25519.PublicKey
	Mint    ed25519.PublicKey
}

func DecompileCreateAssociatedAccount(ix solana.Instruction) (*DecompiledCreateAssociatedAccount, error) {
	if !bytes.Equal(ix.Program, AssociatedTokenAccountProgramKey) {
		return nil, solana.ErrIncorrectProgram
	}
	if len(ix.Data) != 0 {
		return nil, errors.Errorf("unexpected data")
	}
	if len(ix.Accounts) != createAssociatedAccountNumAccounts {
		return nil, errors.Errorf("invalid number of accounts: %d (expected %d)", len(ix.Accounts), createAssociatedAccountNumAccounts)
	}

	if !bytes.Equal(ix.Accounts[4].PublicKey, system.ProgramKey[:]) {
		return nil, errors.Errorf("system program key mismatch")
	}
	if !bytes.Equal(ix.Accounts[5].PublicKey, ProgramKey) {
		return nil, errors.Errorf("token program key mismatch")
	}
	if !bytes.Equal(ix.Accounts[6].PublicKey, system.RentSysVar) {
		return nil, errors.Errorf("rent sysvar mismatch")
	}

	return &DecompiledCreateAssociatedAccount{
		Payer:   ix.Accounts[0].PublicKey,
		Address: ix.Accounts[1].PublicKey,
		Owner:   ix.Accounts[2].PublicKey,
		Mint:    ix.Accounts[3].PublicKey,
	}, nil
}
