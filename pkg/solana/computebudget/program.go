// Package computebudget builds instructions for the compute budget program,
// which sets the compute limit and priority fee of a transaction.
package computebudget

import (
	"bytes"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/binary"
)

// ComputeBudget111111111111111111111111111111
var ProgramKey = ed25519.PublicKey{3, 6, 70, 111, 229, 33, 23, 50, 255, 236, 173, 186, 114, 195, 155, 231, 188, 140, 229, 187, 197, 247, 18, 107, 44, 67, 155, 58, 64, 0, 0, 0}

const (
	commandRequestUnits uint8 = iota
	commandRequestHeapFrame
	commandSetComputeUnitLimit
	commandSetComputeUnitPrice
)

// MaxComputeUnitLimit is the most compute units a transaction may request.
const MaxComputeUnitLimit = 1_400_000

var ErrInvalidInstructionData = errors.New("invalid compute budget instruction data")

var (
	setComputeUnitLimitLayout = binary.NewLayout(
		binary.U8("instruction"),
		binary.U32("units"),
	)

	setComputeUnitPriceLayout = binary.NewLayout(
		binary.U8("instruction"),
		binary.U64("micro_lamports"),
	)
)

// SetComputeUnitLimit caps the compute units the transaction may consume.
func SetComputeUnitLimit(units uint32) solana.Instruction {
	data, _ := setComputeUnitLimitLayout.Encode(binary.Values{
		"instruction": commandSetComputeUnitLimit,
		"units":       units,
	})
	return solana.NewInstruction(ProgramKey, data)
}

// SetComputeUnitPrice sets the priority fee, in micro-lamports per compute
// unit.
func SetComputeUnitPrice(microLamports uint64) solana.Instruction {
	data, _ := setComputeUnitPriceLayout.Encode(binary.Values{
		"instruction":    commandSetComputeUnitPrice,
		"micro_lamports": microLamports,
	})
	return solana.NewInstruction(ProgramKey, data)
}

func DecompileSetComputeUnitLimit(ix solana.Instruction) (uint32, error) {
	values, err := decompile(ix, commandSetComputeUnitLimit, setComputeUnitLimitLayout)
	if err != nil {
		return 0, err
	}
	return values.Uint32("units"), nil
}

func DecompileSetComputeUnitPrice(ix solana.Instruction) (uint64, error) {
	values, err := decompile(ix, commandSetComputeUnitPrice, setComputeUnitPriceLayout)
	if err != nil {
		return 0, err
	}
	return values.Uint64("micro_lamports"), nil
}

func decompile(ix solana.Instruction, command uint8, layout binary.Layout) (binary.Values, error) {
	if !bytes.Equal(ix.Program, ProgramKey) {
		return nil, solana.ErrIncorrectProgram
	}
	if len(ix.Data) == 0 || ix.Data[0] != command {
		return nil, solana.ErrIncorrectInstruction
	}
	if len(ix.Data) != layout.MinSize() {
		return nil, ErrInvalidInstructionData
	}
	return layout.Decode(ix.Data)
}
