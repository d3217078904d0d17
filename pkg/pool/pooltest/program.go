// Package pooltest simulates the liquidity pool program on the in-memory
// ledger.
package pooltest

import (
	"bytes"
	"crypto/ed25519"
	"math"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/ledger/memory"
	"github.com/code-payments/pool-client/pkg/pool"
	"github.com/code-payments/pool-client/pkg/solana"
)

// RentExemptPoolAccount is the balance the payer funds into a new pool.
const RentExemptPoolAccount = 1677360

const (
	errorAccountNotInitialized solana.CustomError = 3012
	errorConstraintSeeds       solana.CustomError = 2006
	errorNameTooLong           solana.CustomError = 6001
)

// Install registers the simulated program at address on l.
func Install(l *memory.Ledger, program ed25519.PublicKey) {
	l.RegisterProgram(program, NewHandler(program))
}

// AddLiquidity mints amount tokens into the pool's token custody account.
func AddLiquidity(l *memory.Ledger, program, poolAddress, mint ed25519.PublicKey, amount uint64) (ed25519.PublicKey, error) {
	authority, _, err := pool.GetPoolAuthorityAddress(program, poolAddress)
	if err != nil {
		return nil, err
	}
	return l.MintTo(authority, mint, amount)
}

// NewHandler returns a memory.Handler that executes pool instructions
// addressed to program.
func NewHandler(program ed25519.PublicKey) memory.Handler {
	return func(ctx *memory.Context, ix solana.Instruction) error {
		t, err := pool.GetInstructionType(program, ix)
		if err != nil {
			return err
		}

		switch t {
		case pool.InstructionTypeInitializePool:
			return initializePool(ctx, program, ix)
		case pool.InstructionTypeSwapToken:
			return swapToken(ctx, program, ix)
		}
		return solana.ErrIncorrectInstruction
	}
}

func initializePool(ctx *memory.Context, program ed25519.PublicKey, ix solana.Instruction) error {
	accounts, args, err := pool.DecompileInitializePoolInstruction(program, ix)
	if err != nil {
		return err
	}
	if len(args.Name) > pool.MaxNameLength {
		return ctx.Fail(errorNameTooLong, "NameTooLong", "Exceed name length limit")
	}

	if !ctx.IsSigner(accounts.Pool) || !ctx.IsSigner(accounts.Payer) {
		return errMissingSignature
	}
	if err := checkAuthority(ctx, program, accounts.Pool, accounts.PoolAuthority, args.SignerBump); err != nil {
		return err
	}

	if _, exists := ctx.Account(accounts.Pool); exists {
		return ctx.AlreadyInUse(accounts.Pool)
	}
	if err := ctx.Debit(accounts.Payer, RentExemptPoolAccount); err != nil {
		return err
	}

	state := &pool.LiquidityPoolAccount{
		Name:         args.Name,
		CreatedAt:    ctx.Now().Unix(),
		SignerBump:   args.SignerBump,
		PoolProvider: accounts.Payer,
	}
	data, err := state.Marshal()
	if err != nil {
		return err
	}

	ctx.SetAccount(&ledger.Account{
		Address:  accounts.Pool,
		Owner:    program,
		Lamports: RentExemptPoolAccount,
		Data:     data,
	})
	ctx.Log("Instruction: InitializePool")
	return nil
}

func swapToken(ctx *memory.Context, program ed25519.PublicKey, ix solana.Instruction) error {
	accounts, args, err := pool.DecompileSwapTokenInstruction(program, ix)
	if err != nil {
		return err
	}
	if !ctx.IsSigner(accounts.Sender) {
		return errMissingSignature
	}

	account, ok := ctx.Account(accounts.Pool)
	if !ok || !bytes.Equal(account.Owner, program) {
		return ctx.Fail(errorAccountNotInitialized, "AccountNotInitialized", "The program expected this account to be already initialized")
	}
	var state pool.LiquidityPoolAccount
	if err := state.Unmarshal(account.Data); err != nil {
		return ctx.Fail(errorAccountNotInitialized, "AccountNotInitialized", "The program expected this account to be already initialized")
	}
	if err := checkAuthority(ctx, program, accounts.Pool, accounts.PoolAuthority, state.SignerBump); err != nil {
		return err
	}

	custody, err := ctx.TokenAccount(accounts.PoolTokenAccount)
	if err != nil {
		return err
	}
	if args.Amount > math.MaxUint64/pool.TokensPerLamport || custody.Amount < args.Amount*pool.TokensPerLamport {
		return ctx.Fail(pool.ErrorInsufficientLiquidity, "InsufficientLiquidity", "insufficient pool liquidity")
	}

	ctx.Log("Instruction: SwapToken")
	if err := ctx.TransferTokens(accounts.PoolTokenAccount, accounts.SenderTokenAccount, accounts.PoolAuthority, args.Amount*pool.TokensPerLamport); err != nil {
		return err
	}
	ctx.Log("Transferred successfully.")
	return nil
}

func checkAuthority(ctx *memory.Context, program, poolAddress, authority ed25519.PublicKey, bump uint8) error {
	expected, err := solana.CreateProgramAddress(program, pool.PoolAuthorityPrefix, poolAddress, []byte{bump})
	if err != nil || !bytes.Equal(expected, authority) {
		return ctx.Fail(errorConstraintSeeds, "ConstraintSeeds", "A seeds constraint was violated")
	}
	return nil
}

var errMissingSignature = errors.New(string(solana.InstructionErrorMissingRequiredSignature))
