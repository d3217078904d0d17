package poolclient

import (
	"context"
	"crypto/ed25519"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/pool-client/pkg/builder"
	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/ledger/memory"
	"github.com/code-payments/pool-client/pkg/pool"
	"github.com/code-payments/pool-client/pkg/pool/pooltest"
	"github.com/code-payments/pool-client/pkg/signer"
	"github.com/code-payments/pool-client/pkg/solana/system"
	"github.com/code-payments/pool-client/pkg/solana/token"
	"github.com/code-payments/pool-client/pkg/submission"
	"github.com/code-payments/pool-client/pkg/testutil"
)

type testEnv struct {
	ledger *memory.Ledger
	client *Client
	payer  signer.Signer
	mint   ed25519.PublicKey
}

func setup(t *testing.T) testEnv {
	l := memory.New()
	pooltest.Install(l, pool.ProgramKey)

	keys := testutil.GenerateSolanaKeys(t, 2)
	mint, mintAuthority := keys[0], keys[1]
	l.CreateMint(mint, mintAuthority, 9)

	return testEnv{
		ledger: l,
		client: newClient(t, l),
		payer:  newFundedSigner(t, l, 10_000_000_000),
		mint:   mint,
	}
}

func newClient(t *testing.T, l ledger.Ledger) *Client {
	client, err := New(l, withManualTestOverrides(&testOverrides{
		accountLockStripes: 16,
		submission: &submission.Overrides{
			MaxSubmitAttempts: 5,
			RetryBaseDelay:    time.Millisecond,
			PollInterval:      time.Millisecond,
			MaxRebuilds:       3,
		},
	}))
	require.NoError(t, err)
	return client
}

func newFundedSigner(t *testing.T, l *memory.Ledger, lamports uint64) signer.Signer {
	s := signer.MustNewKeypairSigner(testutil.GenerateSolanaKeypair(t))
	l.Fund(s.PublicKey(), lamports)
	return s
}

func (e testEnv) createPool(t *testing.T, liquidity uint64) *CreatePoolResult {
	result, err := e.client.CreatePool(context.Background(), e.payer, "test-pool")
	require.NoError(t, err)

	_, err = pooltest.AddLiquidity(e.ledger, pool.ProgramKey, result.Pool, e.mint, liquidity)
	require.NoError(t, err)
	return result
}

func (e testEnv) lamports(t *testing.T, address ed25519.PublicKey) uint64 {
	account, err := e.ledger.GetAccount(context.Background(), address)
	if err == ledger.ErrAccountNotFound {
		return 0
	}
	require.NoError(t, err)
	return account.Lamports
}

// staleLedger reports selected accounts as missing for a number of reads,
// the way a client sees the ledger while another process is creating them.
type staleLedger struct {
	*memory.Ledger

	mu     sync.Mutex
	hidden map[string]int
}

func (l *staleLedger) hide(address ed25519.PublicKey, reads int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hidden == nil {
		l.hidden = make(map[string]int)
	}
	l.hidden[string(address)] = reads
}

func (l *staleLedger) GetAccount(ctx context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	l.mu.Lock()
	remaining := l.hidden[string(address)]
	if remaining > 0 {
		l.hidden[string(address)] = remaining - 1
	}
	l.mu.Unlock()

	if remaining > 0 {
		return nil, ledger.ErrAccountNotFound
	}
	return l.Ledger.GetAccount(ctx, address)
}

func TestCreatePool(t *testing.T) {
	env := setup(t)
	before := env.lamports(t, env.payer.PublicKey())

	result, err := env.client.CreatePool(context.Background(), env.payer, "test-pool")
	require.NoError(t, err)

	authority, bump, err := pool.GetPoolAuthorityAddress(pool.ProgramKey, result.Pool)
	require.NoError(t, err)
	assert.Equal(t, authority, result.Authority)
	assert.Equal(t, bump, result.Bump)
	assert.NotZero(t, result.Outcome.Slot)

	state, err := env.client.GetPool(context.Background(), result.Pool)
	require.NoError(t, err)
	assert.Equal(t, "test-pool", state.Name)
	assert.Equal(t, bump, state.SignerBump)
	assert.Equal(t, env.payer.PublicKey(), state.PoolProvider)
	assert.NotZero(t, state.CreatedAt)

	assert.EqualValues(t, before-pooltest.RentExemptPoolAccount, env.lamports(t, env.payer.PublicKey()))
}

func TestCreatePool_NameTooLong(t *testing.T) {
	env := setup(t)

	_, err := env.client.CreatePool(context.Background(), env.payer, strings.Repeat("x", pool.MaxNameLength+1))
	assert.Equal(t, pool.ErrNameTooLong, err)
	assert.Zero(t, env.ledger.Submissions())

	_, err = env.client.CreatePool(context.Background(), env.payer, strings.Repeat("x", pool.MaxNameLength))
	assert.NoError(t, err)
}

func TestGetPool_Invalid(t *testing.T) {
	env := setup(t)

	_, err := env.client.GetPool(context.Background(), testutil.GenerateSolanaKeys(t, 1)[0])
	assert.Equal(t, ErrPoolNotFound, err)

	_, err = env.client.GetPool(context.Background(), env.payer.PublicKey())
	assert.True(t, errors.Is(err, pool.ErrInvalidAccountData))
}

func TestSwap(t *testing.T) {
	env := setup(t)
	result := env.createPool(t, 1000)

	outcome, err := env.client.Swap(context.Background(), env.payer, SwapParams{
		Pool:   result.Pool,
		Mint:   env.mint,
		Amount: 30,
	})
	require.NoError(t, err)
	assert.Zero(t, outcome.Rebuilds)

	balance, err := env.client.GetTokenBalance(context.Background(), env.payer.PublicKey(), env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 300, balance)

	balance, err = env.client.GetTokenBalance(context.Background(), result.Authority, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 700, balance)

	// The sender's token account exists now, so only the swap is sent.
	_, err = env.client.Swap(context.Background(), env.payer, SwapParams{
		Pool:   result.Pool,
		Mint:   env.mint,
		Amount: 71,
	})
	var rejected *ledger.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "insufficient pool liquidity", rejected.Reason)

	balance, err = env.client.GetTokenBalance(context.Background(), env.payer.PublicKey(), env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 300, balance)
}

func TestSwap_InvalidAmount(t *testing.T) {
	env := setup(t)
	result := env.createPool(t, 1000)
	submissions := env.ledger.Submissions()

	_, err := env.client.Swap(context.Background(), env.payer, SwapParams{
		Pool: result.Pool,
		Mint: env.mint,
	})
	assert.Equal(t, pool.ErrInvalidAmount, err)
	assert.Equal(t, submissions, env.ledger.Submissions())
}

func TestSwap_PayNative(t *testing.T) {
	env := setup(t)
	result := env.createPool(t, 1000)
	sender := newFundedSigner(t, env.ledger, 1000)

	_, err := env.client.Swap(context.Background(), env.payer, SwapParams{
		Sender:    sender,
		Pool:      result.Pool,
		Mint:      env.mint,
		Amount:    30,
		PayNative: true,
	})
	require.NoError(t, err)

	assert.EqualValues(t, 970, env.lamports(t, sender.PublicKey()))
	assert.EqualValues(t, 30, env.lamports(t, result.Authority))

	balance, err := env.client.GetTokenBalance(context.Background(), sender.PublicKey(), env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 300, balance)
}

func TestSwap_UninitializedPool(t *testing.T) {
	env := setup(t)
	poolAddress := testutil.GenerateSolanaKeys(t, 1)[0]
	_, err := pooltest.AddLiquidity(env.ledger, pool.ProgramKey, poolAddress, env.mint, 1000)
	require.NoError(t, err)

	_, err = env.client.Swap(context.Background(), env.payer, SwapParams{
		Pool:   poolAddress,
		Mint:   env.mint,
		Amount: 1,
	})
	var rejected *ledger.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "The program expected this account to be already initialized", rejected.Reason)
}

func TestSwap_RecoversFromCreationRace(t *testing.T) {
	env := setup(t)
	result := env.createPool(t, 1000)

	senderTokenAccount, err := env.ledger.MintTo(env.payer.PublicKey(), env.mint, 0)
	require.NoError(t, err)

	stale := &staleLedger{Ledger: env.ledger}
	stale.hide(senderTokenAccount, 1)
	client := newClient(t, stale)
	submissions := env.ledger.Submissions()

	_, err = client.Swap(context.Background(), env.payer, SwapParams{
		Pool:   result.Pool,
		Mint:   env.mint,
		Amount: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, submissions+2, env.ledger.Submissions())

	balance, err := client.GetTokenBalance(context.Background(), env.payer.PublicKey(), env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance)
}

func TestGetTokenBalance(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	balance, err := env.client.GetTokenBalance(context.Background(), owner, env.mint)
	require.NoError(t, err)
	assert.Zero(t, balance)

	tokenAccount, err := env.ledger.MintTo(owner, env.mint, 42)
	require.NoError(t, err)

	balance, err = env.client.GetTokenBalance(context.Background(), owner, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 42, balance)

	// A token account passed as the owner is read directly.
	balance, err = env.client.GetTokenBalance(context.Background(), tokenAccount, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 42, balance)
}

func TestEnsureAssociatedAccount(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	expected, err := token.GetAssociatedAccount(owner, env.mint)
	require.NoError(t, err)

	address, err := env.client.EnsureAssociatedAccount(context.Background(), env.payer, owner, env.mint)
	require.NoError(t, err)
	assert.Equal(t, expected, address)
	assert.Equal(t, 1, env.ledger.Submissions())

	account, err := env.ledger.GetAccount(context.Background(), address)
	require.NoError(t, err)
	assert.Equal(t, token.ProgramKey, account.Owner)

	address, err = env.client.EnsureAssociatedAccount(context.Background(), env.payer, owner, env.mint)
	require.NoError(t, err)
	assert.Equal(t, expected, address)
	assert.Equal(t, 1, env.ledger.Submissions())
}

func TestEnsureAssociatedAccount_Concurrent(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	var wg sync.WaitGroup
	addresses := make([]ed25519.PublicKey, 10)
	errs := make([]error, 10)
	for i := range addresses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addresses[i], errs[i] = env.client.EnsureAssociatedAccount(context.Background(), env.payer, owner, env.mint)
		}(i)
	}
	wg.Wait()

	for i := range addresses {
		require.NoError(t, errs[i])
		assert.Equal(t, addresses[0], addresses[i])
	}
	assert.Equal(t, 1, env.ledger.Submissions())
	assert.Equal(t, 1, env.ledger.Executed())
}

func TestEnsureAssociatedAccount_TwoClients(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	clients := []*Client{env.client, newClient(t, env.ledger)}
	payers := []signer.Signer{env.payer, newFundedSigner(t, env.ledger, 10_000_000_000)}

	var wg sync.WaitGroup
	addresses := make([]ed25519.PublicKey, len(clients))
	errs := make([]error, len(clients))
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addresses[i], errs[i] = clients[i].EnsureAssociatedAccount(context.Background(), payers[i], owner, env.mint)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, addresses[0], addresses[1])
	assert.Equal(t, 1, env.ledger.Executed())
}

func TestEnsureAssociatedAccount_RecoversFromCreationRace(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	// Another process created the account after this client looked.
	existing, err := env.ledger.MintTo(owner, env.mint, 5)
	require.NoError(t, err)

	stale := &staleLedger{Ledger: env.ledger}
	stale.hide(existing, 1)
	client := newClient(t, stale)

	address, err := client.EnsureAssociatedAccount(context.Background(), env.payer, owner, env.mint)
	require.NoError(t, err)
	assert.Equal(t, existing, address)
	assert.Equal(t, 1, env.ledger.Submissions())
	assert.Zero(t, env.ledger.Executed())

	balance, err := client.GetTokenBalance(context.Background(), owner, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 5, balance)
}

func TestEnsureAssociatedAccount_Foreign(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	address, err := token.GetAssociatedAccount(owner, env.mint)
	require.NoError(t, err)
	env.ledger.SetAccount(&ledger.Account{
		Address:  address,
		Owner:    system.ProgramKey[:],
		Lamports: 1,
	})

	_, err = env.client.EnsureAssociatedAccount(context.Background(), env.payer, owner, env.mint)
	assert.True(t, errors.Is(err, ErrForeignAccount))
	assert.Zero(t, env.ledger.Submissions())

	_, err = env.client.GetTokenBalance(context.Background(), owner, env.mint)
	assert.True(t, errors.Is(err, ErrForeignAccount))
}

func TestRequestAirdrop(t *testing.T) {
	env := setup(t)
	owner := testutil.GenerateSolanaKeys(t, 1)[0]

	balance, err := env.client.GetNativeBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.Zero(t, balance)

	outcome, err := env.client.RequestAirdrop(context.Background(), owner, 1_000_000_000)
	require.NoError(t, err)
	assert.NotZero(t, outcome.Slot)

	status, err := env.ledger.GetTransactionStatus(context.Background(), outcome.Signature)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, status.Status)

	balance, err = env.client.GetNativeBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000_000, balance)
	assert.Zero(t, env.ledger.Submissions())
}

func TestTransferTokens(t *testing.T) {
	env := setup(t)
	sender := signer.MustNewKeypairSigner(testutil.GenerateSolanaKeypair(t))
	recipient := testutil.GenerateSolanaKeys(t, 1)[0]

	_, err := env.ledger.MintTo(sender.PublicKey(), env.mint, 100)
	require.NoError(t, err)

	params := TransferParams{Sender: sender, Recipient: recipient, Mint: env.mint, Amount: 40}
	_, err = env.client.TransferTokens(context.Background(), env.payer, params)
	require.NoError(t, err)

	// The recipient's account is created in the same transaction.
	assert.Equal(t, 1, env.ledger.Submissions())

	balance, err := env.client.GetTokenBalance(context.Background(), recipient, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 40, balance)

	recipientAccount, err := token.GetAssociatedAccount(recipient, env.mint)
	require.NoError(t, err)

	// A token account passed as the recipient is credited directly.
	params.Recipient = recipientAccount
	params.Amount = 10
	_, err = env.client.TransferTokens(context.Background(), env.payer, params)
	require.NoError(t, err)

	balance, err = env.client.GetTokenBalance(context.Background(), recipient, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)

	balance, err = env.client.GetTokenBalance(context.Background(), sender.PublicKey(), env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)
}

func TestTransferTokens_PayerIsSender(t *testing.T) {
	env := setup(t)
	recipient := testutil.GenerateSolanaKeys(t, 1)[0]

	_, err := env.ledger.MintTo(env.payer.PublicKey(), env.mint, 5)
	require.NoError(t, err)

	_, err = env.client.TransferTokens(context.Background(), env.payer, TransferParams{Recipient: recipient, Mint: env.mint, Amount: 5})
	require.NoError(t, err)

	balance, err := env.client.GetTokenBalance(context.Background(), recipient, env.mint)
	require.NoError(t, err)
	assert.EqualValues(t, 5, balance)
}

func TestTransferTokens_Invalid(t *testing.T) {
	env := setup(t)
	sender := signer.MustNewKeypairSigner(testutil.GenerateSolanaKeypair(t))
	keys := testutil.GenerateSolanaKeys(t, 2)
	recipient, foreign := keys[0], keys[1]

	_, err := env.ledger.MintTo(sender.PublicKey(), env.mint, 10)
	require.NoError(t, err)

	_, err = env.client.TransferTokens(context.Background(), env.payer, TransferParams{Sender: sender, Recipient: recipient, Mint: env.mint})
	assert.True(t, errors.Is(err, builder.ErrInvalidTransferAmount))
	assert.Zero(t, env.ledger.Submissions())

	foreignAccount, err := token.GetAssociatedAccount(foreign, env.mint)
	require.NoError(t, err)
	env.ledger.SetAccount(&ledger.Account{
		Address:  foreignAccount,
		Owner:    system.ProgramKey[:],
		Lamports: 1,
	})
	_, err = env.client.TransferTokens(context.Background(), env.payer, TransferParams{Sender: sender, Recipient: foreign, Mint: env.mint, Amount: 1})
	assert.True(t, errors.Is(err, ErrForeignAccount))
	assert.Zero(t, env.ledger.Submissions())

	// An overdraft is rejected, and the recipient's account creation is
	// rolled back with it.
	_, err = env.client.TransferTokens(context.Background(), env.payer, TransferParams{Sender: sender, Recipient: recipient, Mint: env.mint, Amount: 11})
	var rejected *ledger.RejectedError
	require.True(t, errors.As(err, &rejected))

	recipientAccount, err := token.GetAssociatedAccount(recipient, env.mint)
	require.NoError(t, err)
	_, err = env.ledger.GetAccount(context.Background(), recipientAccount)
	assert.Equal(t, ledger.ErrAccountNotFound, err)
}
