package memory

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/computebudget"
	"github.com/code-payments/pool-client/pkg/solana/system"
	"github.com/code-payments/pool-client/pkg/solana/token"
)

// Handler executes a single instruction addressed to a registered program.
// A returned error fails the whole transaction.
type Handler func(ctx *Context, ix solana.Instruction) error

// Context is the view of the ledger an executing transaction has. Writes
// are staged and only become visible if every instruction succeeds.
type Context struct {
	// Program is the program currently executing.
	Program ed25519.PublicKey

	ledger  *Ledger
	staged  map[string]*ledger.Account
	signers map[string]struct{}
	logs    []string
}

// Account returns a copy of the account at address as the transaction
// currently sees it.
func (c *Context) Account(address ed25519.PublicKey) (*ledger.Account, bool) {
	if staged, ok := c.staged[string(address)]; ok {
		if staged == nil {
			return nil, false
		}
		return cloneAccount(staged), true
	}

	account, ok := c.ledger.accounts[string(address)]
	if !ok {
		return nil, false
	}
	return cloneAccount(account), true
}

// SetAccount stages a write of account.
func (c *Context) SetAccount(account *ledger.Account) {
	c.staged[string(account.Address)] = cloneAccount(account)
}

// IsSigner reports whether address signed the transaction.
func (c *Context) IsSigner(address ed25519.PublicKey) bool {
	_, ok := c.signers[string(address)]
	return ok
}

// Now is the ledger's clock.
func (c *Context) Now() time.Time {
	return c.ledger.now()
}

// Log appends a program log line.
func (c *Context) Log(format string, args ...interface{}) {
	c.logs = append(c.logs, "Program log: "+fmt.Sprintf(format, args...))
}

// Fail logs an error the way anchor programs do and returns the custom
// error code for it.
func (c *Context) Fail(code solana.CustomError, name, message string) error {
	c.Log("AnchorError occurred. Error Code: %s. Error Number: %d. Error Message: %s.", name, int(code), message)
	return code
}

// Debit moves lamports out of a system owned account.
func (c *Context) Debit(address ed25519.PublicKey, lamports uint64) error {
	account, ok := c.Account(address)
	if !ok || account.Lamports < lamports {
		var have uint64
		if ok {
			have = account.Lamports
		}
		c.logs = append(c.logs, fmt.Sprintf("Transfer: insufficient lamports %d, need %d", have, lamports))
		return solana.CustomError(1)
	}

	account.Lamports -= lamports
	c.SetAccount(account)
	return nil
}

// Credit adds lamports to address, creating a system owned account if
// needed.
func (c *Context) Credit(address ed25519.PublicKey, lamports uint64) {
	account, ok := c.Account(address)
	if !ok {
		account = &ledger.Account{
			Address: cloneKey(address),
			Owner:   cloneKey(system.ProgramKey[:]),
		}
	}
	account.Lamports += lamports
	c.SetAccount(account)
}

// TokenAccount decodes the token account at address.
func (c *Context) TokenAccount(address ed25519.PublicKey) (*token.Account, error) {
	account, ok := c.Account(address)
	if !ok {
		return nil, errors.New(string(solana.InstructionErrorUninitializedAccount))
	}
	if !bytes.Equal(account.Owner, token.ProgramKey) {
		return nil, errors.New(string(solana.InstructionErrorIllegalOwner))
	}

	var decoded token.Account
	if err := decoded.Unmarshal(account.Data); err != nil {
		return nil, errors.New(string(solana.InstructionErrorInvalidAccountData))
	}
	return &decoded, nil
}

// TransferTokens moves amount tokens between two token accounts of the same
// mint. authority must own source. Callers are responsible for checking
// that authority signed.
func (c *Context) TransferTokens(source, destination, authority ed25519.PublicKey, amount uint64) error {
	from, err := c.TokenAccount(source)
	if err != nil {
		return err
	}
	to, err := c.TokenAccount(destination)
	if err != nil {
		return err
	}

	if !bytes.Equal(from.Mint, to.Mint) {
		c.Log("Error: Account not associated with this Mint")
		return token.ErrorMintMismatch
	}
	if !bytes.Equal(from.Owner, authority) {
		c.Log("Error: owner does not match")
		return token.ErrorOwnerMismatch
	}
	if from.Amount < amount {
		c.Log("Error: insufficient funds")
		return token.ErrorInsufficientFunds
	}

	from.Amount -= amount
	to.Amount += amount

	c.setTokenAccount(source, from)
	c.setTokenAccount(destination, to)
	return nil
}

func (c *Context) setTokenAccount(address ed25519.PublicKey, decoded *token.Account) {
	account, _ := c.Account(address)
	account.Data = decoded.Marshal()
	c.SetAccount(account)
}

func (c *Context) commit() {
	for key, account := range c.staged {
		if account == nil {
			delete(c.ledger.accounts, key)
			continue
		}
		c.ledger.accounts[key] = account
	}
}

// AlreadyInUse fails an attempt to allocate an existing account the way the
// system program does.
func (c *Context) AlreadyInUse(address ed25519.PublicKey) error {
	c.logs = append(c.logs, fmt.Sprintf("Allocate: account Address { address: %s, base: None } already in use", base58.Encode(address)))
	return solana.CustomError(0)
}

func errMissingSignature() error {
	return errors.New(string(solana.InstructionErrorMissingRequiredSignature))
}

func systemHandler(c *Context, ix solana.Instruction) error {
	if len(ix.Data) < 4 {
		return errors.New(string(solana.InstructionErrorInvalidInstructionData))
	}

	switch binary.LittleEndian.Uint32(ix.Data) {
	case 0:
		create, err := system.DecompileCreateAccount(ix)
		if err != nil {
			return errors.New(string(solana.InstructionErrorInvalidInstructionData))
		}
		if !c.IsSigner(create.Funder) || !c.IsSigner(create.Address) {
			return errMissingSignature()
		}
		if _, exists := c.Account(create.Address); exists {
			return c.AlreadyInUse(create.Address)
		}
		if err := c.Debit(create.Funder, create.Lamports); err != nil {
			return err
		}

		c.SetAccount(&ledger.Account{
			Address:  create.Address,
			Owner:    create.Owner,
			Lamports: create.Lamports,
			Data:     make([]byte, create.Size),
		})
		return nil
	case 2:
		transfer, err := system.DecompileTransfer(ix)
		if err != nil {
			return errors.New(string(solana.InstructionErrorInvalidInstructionData))
		}
		if !c.IsSigner(transfer.From) {
			return errMissingSignature()
		}
		if err := c.Debit(transfer.From, transfer.Lamports); err != nil {
			return err
		}
		c.Credit(transfer.To, transfer.Lamports)
		return nil
	}

	return errors.New(string(solana.InstructionErrorInvalidInstructionData))
}

func associatedTokenHandler(c *Context, ix solana.Instruction) error {
	create, err := token.DecompileCreateAssociatedAccount(ix)
	if err != nil {
		return errors.New(string(solana.InstructionErrorInvalidInstructionData))
	}
	if !c.IsSigner(create.Payer) {
		return errMissingSignature()
	}

	expected, err := token.GetAssociatedAccount(create.Owner, create.Mint)
	if err != nil || !bytes.Equal(expected, create.Address) {
		c.Log("Error: Associated address does not match seed derivation")
		return errors.New(string(solana.InstructionErrorInvalidArgument))
	}

	mint, ok := c.Account(create.Mint)
	if !ok || !bytes.Equal(mint.Owner, token.ProgramKey) {
		return errors.New(string(solana.InstructionErrorIllegalOwner))
	}

	if _, exists := c.Account(create.Address); exists {
		return c.AlreadyInUse(create.Address)
	}
	if err := c.Debit(create.Payer, RentExemptTokenAccount); err != nil {
		return err
	}

	state := token.Account{
		Mint:  create.Mint,
		Owner: create.Owner,
		State: token.AccountStateInitialized,
	}
	c.SetAccount(&ledger.Account{
		Address:  create.Address,
		Owner:    token.ProgramKey,
		Lamports: RentExemptTokenAccount,
		Data:     state.Marshal(),
	})
	return nil
}

func tokenHandler(c *Context, ix solana.Instruction) error {
	transfer, err := token.DecompileTransfer(ix)
	if err != nil {
		return errors.New(string(solana.InstructionErrorInvalidInstructionData))
	}
	if !c.IsSigner(transfer.Owner) {
		return errMissingSignature()
	}
	return c.TransferTokens(transfer.Source, transfer.Destination, transfer.Owner, transfer.Amount)
}

// computeBudgetHandler only validates the instruction. Fees and compute
// limits are not modeled.
func computeBudgetHandler(c *Context, ix solana.Instruction) error {
	if _, err := computebudget.DecompileSetComputeUnitLimit(ix); err == nil {
		return nil
	}
	if _, err := computebudget.DecompileSetComputeUnitPrice(ix); err == nil {
		return nil
	}
	return errors.New(string(solana.InstructionErrorInvalidInstructionData))
}
