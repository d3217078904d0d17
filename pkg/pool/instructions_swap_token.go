package pool

import (
	"crypto/ed25519"

	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/binary"
	"github.com/code-payments/pool-client/pkg/solana/system"
	"github.com/code-payments/pool-client/pkg/solana/token"
)

var swapTokenLayout = binary.NewLayout(
	binary.U8("instruction"),
	binary.U64("amount"),
)

const SwapTokenInstructionSize = 1 + // instruction
	8 // amount

type SwapTokenInstructionArgs struct {
	Amount uint64
}

type SwapTokenInstructionAccounts struct {
	Pool               ed25519.PublicKey
	PoolAuthority      ed25519.PublicKey
	Sender             ed25519.PublicKey
	SenderTokenAccount ed25519.PublicKey
	PoolTokenAccount   ed25519.PublicKey
}

// NewSwapTokenInstruction releases TokensPerLamport*amount tokens from the
// pool's token account to the sender's.
//
//	0. [WRITE] Pool
//	1. [] Pool authority
//	2. [WRITE, SIGNER] Sender
//	3. [WRITE] Sender token account
//	4. [WRITE] Pool token account
//	5. [] System program
//	6. [] Token program
func NewSwapTokenInstruction(
	program ed25519.PublicKey,
	accounts *SwapTokenInstructionAccounts,
	args *SwapTokenInstructionArgs,
) (solana.Instruction, error) {
	if args.Amount == 0 {
		return solana.Instruction{}, ErrInvalidAmount
	}

	data, err := swapTokenLayout.Encode(binary.Values{
		"instruction": uint8(InstructionTypeSwapToken),
		"amount":      args.Amount,
	})
	if err != nil {
		return solana.Instruction{}, err
	}

	return solana.Instruction{
		Program: program,

		// Instruction args
		Data: data,

		// Instruction accounts
		Accounts: []solana.AccountMeta{
			{
				PublicKey:  accounts.Pool,
				IsWritable: true,
				IsSigner:   false,
			},
			{
				PublicKey:  accounts.PoolAuthority,
				IsWritable: false,
				IsSigner:   false,
			},
			{
				PublicKey:  accounts.Sender,
				IsWritable: true,
				IsSigner:   true,
			},
			{
				PublicKey:  accounts.SenderTokenAccount,
				IsWritable: true,
				IsSigner:   false,
			},
			{
				PublicKey:  accounts.PoolTokenAccount,
				IsWritable: true,
				IsSigner:   false,
			},
			{
				PublicKey:  system.ProgramKey[:],
				IsWritable: false,
				IsSigner:   false,
			},
			{
				PublicKey:  token.ProgramKey,
				IsWritable: false,
				IsSigner:   false,
			},
		},
	}, nil
}

// DecompileSwapTokenInstruction is the inverse of NewSwapTokenInstruction.
func DecompileSwapTokenInstruction(
	program ed25519.PublicKey,
	ix solana.Instruction,
) (*SwapTokenInstructionAccounts, *SwapTokenInstructionArgs, error) {
	t, err := GetInstructionType(program, ix)
	if err != nil {
		return nil, nil, err
	}
	if t != InstructionTypeSwapToken {
		return nil, nil, solana.ErrIncorrectInstruction
	}
	if len(ix.Data) != SwapTokenInstructionSize || len(ix.Accounts) != 7 {
		return nil, nil, ErrInvalidInstructionData
	}

	values, err := swapTokenLayout.Decode(ix.Data)
	if err != nil {
		return nil, nil, err
	}

	accounts := &SwapTokenInstructionAccounts{
		Pool:               ix.Accounts[0].PublicKey,
		PoolAuthority:      ix.Accounts[1].PublicKey,
		Sender:             ix.Accounts[2].PublicKey,
		SenderTokenAccount: ix.Accounts[3].PublicKey,
		PoolTokenAccount:   ix.Accounts[4].PublicKey,
	}
	return accounts, &SwapTokenInstructionArgs{Amount: values.Uint64("amount")}, nil
}
