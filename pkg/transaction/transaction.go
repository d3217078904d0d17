// Package transaction assembles instruction groups into a single atomic
// transaction and carries it through signing.
package transaction

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/signer"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/system"
	"github.com/code-payments/pool-client/pkg/solana/token"
)

var (
	ErrNoInstructions      = errors.New("no instructions to assemble")
	ErrEmptyGroup          = errors.New("instruction group has no domain instruction")
	ErrTooManyInstructions = errors.New("transaction exceeds maximum size")
	ErrOrderingViolation   = errors.New("account used before its creation")
	ErrMissingSignature    = errors.New("transaction is missing signatures")
)

// InstructionGroup is zero or more account creations followed by the single
// instruction that depends on them.
type InstructionGroup struct {
	Creations   []solana.Instruction
	Instruction solana.Instruction
}

// Instructions returns the group flattened in execution order.
func (g InstructionGroup) Instructions() []solana.Instruction {
	instructions := make([]solana.Instruction, 0, len(g.Creations)+1)
	instructions = append(instructions, g.Creations...)
	return append(instructions, g.Instruction)
}

// OrderingViolationError identifies an instruction that references an
// account created later in the same transaction.
type OrderingViolationError struct {
	Address      ed25519.PublicKey
	ReferencedAt int
	CreatedAt    int
}

func (e *OrderingViolationError) Error() string {
	return fmt.Sprintf(
		"%s: %s referenced by instruction %d before creation at instruction %d",
		ErrOrderingViolation.Error(),
		base58.Encode(e.Address),
		e.ReferencedAt,
		e.CreatedAt,
	)
}

func (e *OrderingViolationError) Is(target error) bool {
	return target == ErrOrderingViolation
}

// Transaction is an assembled transaction and its lifecycle state.
type Transaction struct {
	feePayer     ed25519.PublicKey
	groups       []InstructionGroup
	instructions []solana.Instruction
	freshness    ledger.FreshnessToken

	txn   solana.Transaction
	state State
}

// Assemble flattens groups in the order given and compiles them into a
// transaction bound to the freshness token. Groups are never reordered.
func Assemble(feePayer ed25519.PublicKey, freshness ledger.FreshnessToken, groups ...InstructionGroup) (*Transaction, error) {
	if len(groups) == 0 {
		return nil, ErrNoInstructions
	}

	var instructions []solana.Instruction
	for i, g := range groups {
		if len(g.Instruction.Program) == 0 {
			return nil, errors.Wrapf(ErrEmptyGroup, "group %d", i)
		}
		instructions = append(instructions, g.Instructions()...)
	}

	if err := checkOrdering(instructions); err != nil {
		return nil, err
	}

	txn := solana.NewTransaction(feePayer, instructions...)
	txn.SetBlockhash(freshness.Blockhash)
	if size := txn.Size(); size > solana.MaxTransactionSize {
		return nil, errors.Wrapf(ErrTooManyInstructions, "%d bytes (max %d)", size, solana.MaxTransactionSize)
	}

	return &Transaction{
		feePayer:     feePayer,
		groups:       append([]InstructionGroup(nil), groups...),
		instructions: instructions,
		freshness:    freshness,
		txn:          txn,
		state:        StateBuilt,
	}, nil
}

// Rebuild assembles the same instruction groups against a new freshness
// token. The result is in StateBuilt and must be signed again.
func (t *Transaction) Rebuild(freshness ledger.FreshnessToken) (*Transaction, error) {
	return Assemble(t.feePayer, freshness, t.groups...)
}

// Sign collects a signature from each signer. The transaction becomes
// signed once every required signer holds a valid signature. Sign may be
// called more than once to add signatures incrementally.
func (t *Transaction) Sign(ctx context.Context, signers ...signer.Signer) error {
	if t.state != StateBuilt {
		return errors.Wrapf(ErrInvalidTransition, "cannot sign in state %s", t.state)
	}

	message := t.txn.Message.Marshal()
	for _, s := range signers {
		sig, err := s.Sign(ctx, message)
		if err != nil {
			return errors.Wrapf(err, "failed to sign with %s", base58.Encode(s.PublicKey()))
		}

		if _, required := t.txn.SignatureFor(s.PublicKey()); !required {
			return errors.Errorf("%s is not a required signer", base58.Encode(s.PublicKey()))
		}
		if err := t.txn.SetSignature(s.PublicKey(), sig); err != nil {
			return err
		}
	}

	if missing := t.txn.MissingSigners(); len(missing) > 0 {
		encoded := make([]string, len(missing))
		for i, m := range missing {
			encoded[i] = base58.Encode(m)
		}
		return errors.Wrapf(ErrMissingSignature, "[%s]", strings.Join(encoded, ", "))
	}

	return t.transition(StateSigned)
}

func (t *Transaction) State() State {
	return t.state
}

func (t *Transaction) FeePayer() ed25519.PublicKey {
	return t.feePayer
}

func (t *Transaction) FreshnessToken() ledger.FreshnessToken {
	return t.freshness
}

// Groups returns the instruction groups the transaction was assembled from.
func (t *Transaction) Groups() []InstructionGroup {
	return t.groups
}

// Instructions returns the flattened instructions in execution order.
func (t *Transaction) Instructions() []solana.Instruction {
	return t.instructions
}

// Signature identifies the transaction once it is signed by the fee payer.
func (t *Transaction) Signature() solana.Signature {
	return t.txn.Signature()
}

func (t *Transaction) SignatureFor(address ed25519.PublicKey) (solana.Signature, bool) {
	return t.txn.SignatureFor(address)
}

func (t *Transaction) RequiredSigners() []ed25519.PublicKey {
	return t.txn.RequiredSigners()
}

func (t *Transaction) MissingSigners() []ed25519.PublicKey {
	return t.txn.MissingSigners()
}

// Marshal returns the wire encoding of the transaction.
func (t *Transaction) Marshal() []byte {
	return t.txn.Marshal()
}

func (t *Transaction) Size() int {
	return t.txn.Size()
}

func checkOrdering(instructions []solana.Instruction) error {
	for i, ix := range instructions {
		created := createdAddress(ix)
		if created == nil {
			continue
		}

		for j := 0; j < i; j++ {
			if instructions[j].References(created) {
				return &OrderingViolationError{
					Address:      created,
					ReferencedAt: j,
					CreatedAt:    i,
				}
			}
		}
	}
	return nil
}

// createdAddress returns the account ix allocates, if it is an account
// creation.
func createdAddress(ix solana.Instruction) ed25519.PublicKey {
	switch {
	case bytes.Equal(ix.Program, token.AssociatedTokenAccountProgramKey):
		if create, err := token.DecompileCreateAssociatedAccount(ix); err == nil {
			return create.Address
		}
	case bytes.Equal(ix.Program, system.ProgramKey[:]):
		if create, err := system.DecompileCreateAccount(ix); err == nil {
			return create.Address
		}
	}
	return nil
}
