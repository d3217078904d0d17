package pool

import (
	"crypto/ed25519"

	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/binary"
	"github.com/code-payments/pool-client/pkg/solana/system"
)

var initializePoolLayout = binary.NewLayout(
	binary.U8("instruction"),
	binary.String("name"),
	binary.I64("created_at"),
	binary.U8("signer_bump"),
	binary.PublicKey("pool_provider"),
)

type InitializePoolInstructionArgs struct {
	Name         string
	CreatedAt    int64
	SignerBump   uint8
	PoolProvider ed25519.PublicKey
}

type InitializePoolInstructionAccounts struct {
	Pool          ed25519.PublicKey
	PoolAuthority ed25519.PublicKey
	Payer         ed25519.PublicKey
}

// NewInitializePoolInstruction creates the pool account and records its
// name, authority bump and provider.
//
//	0. [WRITE, SIGNER] Pool
//	1. [] Pool authority
//	2. [WRITE, SIGNER] Payer
//	3. [] System program
func NewInitializePoolInstruction(
	program ed25519.PublicKey,
	accounts *InitializePoolInstructionAccounts,
	args *InitializePoolInstructionArgs,
) (solana.Instruction, error) {
	if len(args.Name) > MaxNameLength {
		return solana.Instruction{}, ErrNameTooLong
	}

	data, err := initializePoolLayout.Encode(binary.Values{
		"instruction":   uint8(InstructionTypeInitializePool),
		"name":          args.Name,
		"created_at":    args.CreatedAt,
		"signer_bump":   args.SignerBump,
		"pool_provider": args.PoolProvider,
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
				IsSigner:   true,
			},
			{
				PublicKey:  accounts.PoolAuthority,
				IsWritable: false,
				IsSigner:   false,
			},
			{
				PublicKey:  accounts.Payer,
				IsWritable: true,
				IsSigner:   true,
			},
			{
				PublicKey:  system.ProgramKey[:],
				IsWritable: false,
				IsSigner:   false,
			},
		},
	}, nil
}

// DecompileInitializePoolInstruction is the inverse of
// NewInitializePoolInstruction.
func DecompileInitializePoolInstruction(
	program ed25519.PublicKey,
	ix solana.Instruction,
) (*InitializePoolInstructionAccounts, *InitializePoolInstructionArgs, error) {
	t, err := GetInstructionType(program, ix)
	if err != nil {
		return nil, nil, err
	}
	if t != InstructionTypeInitializePool {
		return nil, nil, solana.ErrIncorrectInstruction
	}
	if len(ix.Accounts) != 4 {
		return nil, nil, ErrInvalidInstructionData
	}

	values, n, err := initializePoolLayout.DecodePrefix(ix.Data)
	if err != nil {
		return nil, nil, err
	}
	if n != len(ix.Data) {
		return nil, nil, ErrInvalidInstructionData
	}

	accounts := &InitializePoolInstructionAccounts{
		Pool:          ix.Accounts[0].PublicKey,
		PoolAuthority: ix.Accounts[1].PublicKey,
		Payer:         ix.Accounts[2].PublicKey,
	}
	args := &InitializePoolInstructionArgs{
		Name:         values.String("name"),
		CreatedAt:    values.Int64("created_at"),
		SignerBump:   values.Uint8("signer_bump"),
		PoolProvider: values.PublicKey("pool_provider"),
	}
	return accounts, args, nil
}
