// Package pool describes the liquidity pool program: its address, the
// accounts it derives, its instruction layouts and its account state.
package pool

import (
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
)

// ProgramKey is Cb95wqzowAjpuRi2yRoo9agiko6c5g3eTAWammsWwC1h.
var ProgramKey = solana.MustBase58Decode("Cb95wqzowAjpuRi2yRoo9agiko6c5g3eTAWammsWwC1h")

// MaxNameLength is the longest pool name, in bytes, the program accepts.
const MaxNameLength = 32

// TokensPerLamport is how many tokens the program releases per unit swapped.
const TokensPerLamport = 10

var (
	ErrNameTooLong            = errors.Errorf("pool name exceeds %d bytes", MaxNameLength)
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrInvalidAccountData     = errors.New("unexpected account data")
	ErrInvalidInstructionData = errors.New("unexpected instruction data")
)

// ErrorInsufficientLiquidity is the custom error the program fails a swap
// with when the pool cannot cover it.
const ErrorInsufficientLiquidity solana.CustomError = 6000

type InstructionType uint8

const (
	InstructionTypeInitializePool InstructionType = iota
	InstructionTypeSwapToken
)

func (t InstructionType) String() string {
	switch t {
	case InstructionTypeInitializePool:
		return "initialize_pool"
	case InstructionTypeSwapToken:
		return "swap_token"
	}
	return "unknown"
}

// GetInstructionType returns the type of an instruction addressed to program.
func GetInstructionType(program ed25519.PublicKey, ix solana.Instruction) (InstructionType, error) {
	if !ix.Program.Equal(program) {
		return 0, solana.ErrIncorrectProgram
	}
	if len(ix.Data) == 0 {
		return 0, ErrInvalidInstructionData
	}

	t := InstructionType(ix.Data[0])
	switch t {
	case InstructionTypeInitializePool, InstructionTypeSwapToken:
		return t, nil
	}
	return 0, solana.ErrIncorrectInstruction
}
