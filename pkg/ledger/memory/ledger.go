// Package memory provides an in-process ledger for tests. It stores
// accounts, executes transactions atomically against pluggable program
// handlers, and can inject the failures a real network produces.
package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/computebudget"
	"github.com/code-payments/pool-client/pkg/solana/system"
	"github.com/code-payments/pool-client/pkg/solana/token"
)

const (
	// DefaultValidityWindow matches the number of blocks a blockhash stays
	// usable on mainnet.
	DefaultValidityWindow = 150

	// RentExemptTokenAccount is the balance funded into new token accounts.
	RentExemptTokenAccount = 2039280
)

type record struct {
	status    ledger.Status
	slot      uint64
	rejection *ledger.RejectedError
}

// Ledger is an in-memory implementation of ledger.Ledger.
type Ledger struct {
	log *logrus.Entry

	mu          sync.Mutex
	accounts    map[string]*ledger.Account
	programs    map[string]Handler
	blockHeight uint64
	slot        uint64
	blockhashes map[solana.Blockhash]uint64
	records     map[solana.Signature]*record
	submissions int
	airdrops    uint64

	validityWindow uint64
	autoAdvance    uint64
	skipPreflight  bool
	now            func() time.Time

	failSubmissions int
	loseResponses   int
	dropSubmissions int
	rejectNext      []string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithValidityWindow sets how many blocks a freshness token stays valid.
func WithValidityWindow(blocks uint64) Option {
	return func(l *Ledger) {
		l.validityWindow = blocks
	}
}

// WithAutoAdvance advances the block height by blocks on every
// GetBlockHeight call, so that pending transactions eventually expire
// without a driver goroutine.
func WithAutoAdvance(blocks uint64) Option {
	return func(l *Ledger) {
		l.autoAdvance = blocks
	}
}

// WithSkipPreflight makes failed transactions land as rejected statuses
// instead of being refused at submission.
func WithSkipPreflight() Option {
	return func(l *Ledger) {
		l.skipPreflight = true
	}
}

// WithClock overrides the clock handlers observe.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New returns an empty ledger with the system, token and associated token
// programs installed.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		log:            logrus.StandardLogger().WithField("type", "ledger/memory"),
		accounts:       make(map[string]*ledger.Account),
		programs:       make(map[string]Handler),
		blockhashes:    make(map[solana.Blockhash]uint64),
		records:        make(map[solana.Signature]*record),
		blockHeight:    1,
		slot:           1,
		validityWindow: DefaultValidityWindow,
		now:            time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	l.RegisterProgram(system.ProgramKey[:], systemHandler)
	l.RegisterProgram(token.ProgramKey, tokenHandler)
	l.RegisterProgram(token.AssociatedTokenAccountProgramKey, associatedTokenHandler)
	l.RegisterProgram(computebudget.ProgramKey, computeBudgetHandler)

	return l
}

// RegisterProgram installs handler for instructions addressed to program.
// The program's account is created as executable.
func (l *Ledger) RegisterProgram(program ed25519.PublicKey, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(program)
	l.programs[key] = handler
	l.accounts[key] = &ledger.Account{
		Address:    cloneKey(program),
		Owner:      cloneKey(program),
		Lamports:   1,
		Executable: true,
	}
}

// GetAccount implements ledger.Ledger.GetAccount.
func (l *Ledger) GetAccount(ctx context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[string(address)]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

// GetLatestFreshnessToken implements ledger.Ledger.GetLatestFreshnessToken.
func (l *Ledger) GetLatestFreshnessToken(ctx context.Context) (ledger.FreshnessToken, error) {
	if err := ctx.Err(); err != nil {
		return ledger.FreshnessToken{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hash := blockhashAt(l.blockHeight)
	expiry := l.blockHeight + l.validityWindow
	l.blockhashes[hash] = expiry

	return ledger.FreshnessToken{
		Blockhash:    hash,
		ExpiryHeight: expiry,
	}, nil
}

// GetBlockHeight implements ledger.Ledger.GetBlockHeight.
func (l *Ledger) GetBlockHeight(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.advance(l.autoAdvance)
	return l.blockHeight, nil
}

// SubmitTransaction implements ledger.Ledger.SubmitTransaction. Identical
// signed bytes are only ever executed once. Resends of executed bytes are
// refused as already processed, unless preflight is skipped.
func (l *Ledger) SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions++

	if l.failSubmissions > 0 {
		l.failSubmissions--
		return solana.Signature{}, errors.Wrap(ledger.ErrTransport, "induced: request lost")
	}

	var txn solana.Transaction
	if err := txn.Unmarshal(raw); err != nil {
		return solana.Signature{}, ledger.NewRejectedError(solana.NewTransactionError(solana.TransactionErrorSanitizeFailure))
	}
	sig := txn.Signature()
	log := l.log.WithField("signature", sig.String())

	if _, ok := l.records[sig]; ok {
		log.Debug("duplicate submission")
		if l.skipPreflight {
			return l.respond(sig)
		}
		return l.respondWith(sig, ledger.NewRejectedError(solana.NewTransactionError(solana.TransactionErrorAlreadyProcessed)))
	}

	if len(txn.MissingSigners()) > 0 {
		return sig, ledger.NewRejectedError(solana.NewTransactionError(solana.TransactionErrorSignatureFailure))
	}

	expiry, ok := l.blockhashes[txn.Message.RecentBlockhash]
	if !ok || l.blockHeight > expiry {
		return sig, ledger.NewRejectedError(solana.NewTransactionError(solana.TransactionErrorBlockhashNotFound))
	}

	if l.dropSubmissions > 0 {
		l.dropSubmissions--
		log.Debug("dropping submission")
		return sig, nil
	}

	staged, txErr := l.execute(txn)
	if txErr == nil && len(l.rejectNext) > 0 {
		reason := l.rejectNext[0]
		l.rejectNext = l.rejectNext[1:]
		txErr = solana.NewInstructionTransactionError(
			len(txn.Message.Instructions)-1,
			solana.CustomError(0),
			"Program log: Error Message: "+reason+".",
		)
	}

	if txErr != nil {
		rejection := ledger.NewRejectedError(txErr)
		log.WithField("reason", rejection.Reason).Debug("transaction failed")

		if !l.skipPreflight {
			return sig, rejection
		}

		l.land()
		l.records[sig] = &record{status: ledger.StatusRejected, slot: l.slot, rejection: rejection}
		return l.respond(sig)
	}

	staged.commit()
	l.land()
	l.records[sig] = &record{status: ledger.StatusConfirmed, slot: l.slot}
	log.WithField("slot", l.slot).Debug("transaction confirmed")
	return l.respond(sig)
}

func (l *Ledger) respond(sig solana.Signature) (solana.Signature, error) {
	return l.respondWith(sig, nil)
}

// respondWith returns err to the caller, unless the response is lost.
func (l *Ledger) respondWith(sig solana.Signature, err error) (solana.Signature, error) {
	if l.loseResponses > 0 {
		l.loseResponses--
		return sig, errors.Wrap(ledger.ErrTransport, "induced: response lost")
	}
	return sig, err
}

// GetTransactionStatus implements ledger.Ledger.GetTransactionStatus.
// Unknown signatures are reported as pending, as a node would before the
// transaction is seen.
func (l *Ledger) GetTransactionStatus(ctx context.Context, sig solana.Signature) (*ledger.TransactionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[sig]
	if !ok {
		return &ledger.TransactionStatus{Status: ledger.StatusPending}, nil
	}
	return &ledger.TransactionStatus{
		Status:    r.status,
		Slot:      r.slot,
		Rejection: r.rejection,
	}, nil
}

// execute runs every instruction against a staged copy of the touched
// accounts. Nothing is visible until the returned context is committed.
func (l *Ledger) execute(txn solana.Transaction) (*Context, *solana.TransactionError) {
	signers := make(map[string]struct{})
	for _, s := range txn.RequiredSigners() {
		signers[string(s)] = struct{}{}
	}

	ctx := &Context{
		ledger:  l,
		staged:  make(map[string]*ledger.Account),
		signers: signers,
	}

	for i, ix := range txn.Message.DecompileInstructions() {
		handler, ok := l.programs[string(ix.Program)]
		if !ok {
			return nil, solana.NewTransactionError(solana.TransactionErrorProgramAccountNotFound)
		}

		program := base58.Encode(ix.Program)
		ctx.Program = ix.Program
		ctx.logs = append(ctx.logs, fmt.Sprintf("Program %s invoke [1]", program))
		if err := handler(ctx, ix); err != nil {
			ctx.logs = append(ctx.logs, fmt.Sprintf("Program %s failed: %v", program, err))
			return nil, solana.NewInstructionTransactionError(i, err, ctx.logs...)
		}
		ctx.logs = append(ctx.logs, fmt.Sprintf("Program %s success", program))
	}

	return ctx, nil
}

// land produces the block a transaction is included in.
func (l *Ledger) land() {
	l.slot++
	l.advance(1)
}

func (l *Ledger) advance(blocks uint64) {
	l.blockHeight += blocks
}

// AdvanceBlockHeight moves the block height forward by blocks.
func (l *Ledger) AdvanceBlockHeight(blocks uint64) {
	l.mu.Lock()
	l.advance(blocks)
	l.mu.Unlock()
}

// SetAccount stores account as is, replacing anything at its address.
func (l *Ledger) SetAccount(account *ledger.Account) {
	l.mu.Lock()
	l.accounts[string(account.Address)] = cloneAccount(account)
	l.mu.Unlock()
}

// GetBalance implements ledger.Ledger.GetBalance.
func (l *Ledger) GetBalance(ctx context.Context, address ed25519.PublicKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.accounts[string(address)]
	if !ok {
		return 0, nil
	}
	return account.Lamports, nil
}

// RequestAirdrop implements ledger.Ledger.RequestAirdrop. The credit lands
// in its own block and is recorded as a confirmed transaction.
func (l *Ledger) RequestAirdrop(ctx context.Context, address ed25519.PublicKey, lamports uint64) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	if lamports == 0 {
		return solana.Signature{}, errors.New("airdrop amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.airdrops++
	sig := airdropSignature(address, lamports, l.airdrops)

	l.credit(address, lamports)
	l.land()
	l.records[sig] = &record{status: ledger.StatusConfirmed, slot: l.slot}

	l.log.WithFields(logrus.Fields{
		"address":   base58.Encode(address),
		"lamports":  lamports,
		"signature": sig.String(),
	}).Debug("airdrop confirmed")
	return sig, nil
}

// Fund credits lamports to address, creating a system owned account if
// needed.
func (l *Ledger) Fund(address ed25519.PublicKey, lamports uint64) {
	l.mu.Lock()
	l.credit(address, lamports)
	l.mu.Unlock()
}

func (l *Ledger) credit(address ed25519.PublicKey, lamports uint64) {
	account, ok := l.accounts[string(address)]
	if !ok {
		account = &ledger.Account{
			Address: cloneKey(address),
			Owner:   cloneKey(system.ProgramKey[:]),
		}
		l.accounts[string(address)] = account
	}
	account.Lamports += lamports
}

// CreateMint installs an initialized mint at address.
func (l *Ledger) CreateMint(address, authority ed25519.PublicKey, decimals uint8) {
	mint := token.Mint{
		MintAuthority: authority,
		Decimals:      decimals,
		IsInitialized: true,
	}

	l.SetAccount(&ledger.Account{
		Address:  address,
		Owner:    token.ProgramKey,
		Lamports: RentExemptTokenAccount,
		Data:     mint.Marshal(),
	})
}

// MintTo credits amount tokens to the associated token account of owner,
// creating it if needed, and returns its address.
func (l *Ledger) MintTo(owner, mint ed25519.PublicKey, amount uint64) (ed25519.PublicKey, error) {
	address, err := token.GetAssociatedAccount(owner, mint)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	mintAccount, ok := l.accounts[string(mint)]
	if !ok {
		return nil, errors.Errorf("mint %s does not exist", base58.Encode(mint))
	}
	var m token.Mint
	if err := m.Unmarshal(mintAccount.Data); err != nil {
		return nil, err
	}

	var tokenAccount token.Account
	account, ok := l.accounts[string(address)]
	if ok {
		if err := tokenAccount.Unmarshal(account.Data); err != nil {
			return nil, err
		}
	} else {
		account = &ledger.Account{
			Address:  address,
			Owner:    cloneKey(token.ProgramKey),
			Lamports: RentExemptTokenAccount,
		}
		tokenAccount = token.Account{
			Mint:  cloneKey(mint),
			Owner: cloneKey(owner),
			State: token.AccountStateInitialized,
		}
	}

	tokenAccount.Amount += amount
	m.Supply += amount

	account.Data = tokenAccount.Marshal()
	mintAccount.Data = m.Marshal()
	l.accounts[string(address)] = account

	return address, nil
}

// FailNextSubmissions makes the next n submissions fail with
// ledger.ErrTransport before they reach the ledger.
func (l *Ledger) FailNextSubmissions(n int) {
	l.mu.Lock()
	l.failSubmissions = n
	l.mu.Unlock()
}

// LoseNextResponses makes the next n submissions execute, but report
// ledger.ErrTransport to the caller.
func (l *Ledger) LoseNextResponses(n int) {
	l.mu.Lock()
	l.loseResponses = n
	l.mu.Unlock()
}

// DropNextSubmissions makes the next n valid submissions vanish after
// being accepted, so they never leave the pending state.
func (l *Ledger) DropNextSubmissions(n int) {
	l.mu.Lock()
	l.dropSubmissions = n
	l.mu.Unlock()
}

// RejectNext makes the next executed transaction fail with reason, even
// if its instructions would succeed. Its effects are discarded.
func (l *Ledger) RejectNext(reason string) {
	l.mu.Lock()
	l.rejectNext = append(l.rejectNext, reason)
	l.mu.Unlock()
}

// Submissions returns how many times SubmitTransaction has been called.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// Executed returns how many distinct transactions have landed, whether
// confirmed or rejected. Airdrops count as transactions.
func (l *Ledger) Executed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func airdropSignature(address ed25519.PublicKey, lamports, n uint64) solana.Signature {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], lamports)
	binary.LittleEndian.PutUint64(b[8:], n)

	buf := append([]byte("memory-ledger-airdrop"), address...)
	return sha512.Sum512(append(buf, b[:]...))
}

func blockhashAt(height uint64) solana.Blockhash {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], height)
	return sha256.Sum256(append([]byte("memory-ledger-blockhash"), b[:]...))
}

func cloneKey(k ed25519.PublicKey) ed25519.PublicKey {
	if k == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), k...)
}

func cloneAccount(a *ledger.Account) *ledger.Account {
	c := *a
	c.Address = cloneKey(a.Address)
	c.Owner = cloneKey(a.Owner)
	if a.Data != nil {
		c.Data = append([]byte(nil), a.Data...)
	}
	return &c
}
