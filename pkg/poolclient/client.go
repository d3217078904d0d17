// Package poolclient runs the end to end pool flows against a ledger,
// along with the wallet operations they depend on.
package poolclient

import (
	"bytes"
	"context"
	"crypto/ed25519"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/pool-client/pkg/builder"
	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/metrics"
	"github.com/code-payments/pool-client/pkg/pool"
	"github.com/code-payments/pool-client/pkg/resolver"
	"github.com/code-payments/pool-client/pkg/signer"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/token"
	"github.com/code-payments/pool-client/pkg/submission"
	"github.com/code-payments/pool-client/pkg/sync"
	"github.com/code-payments/pool-client/pkg/transaction"
)

const metricsStructName = "poolclient"

var (
	ErrPoolNotFound = errors.New("pool not found")

	// ErrForeignAccount is returned when the associated address is occupied
	// by an account the token program does not own.
	ErrForeignAccount = errors.New("associated address is not a token account")
)

// Client runs pool flows against a single ledger and program deployment.
type Client struct {
	log          *logrus.Entry
	conf         *conf
	ledger       ledger.Ledger
	resolver     *resolver.Resolver
	builder      *builder.Builder
	submitter    *submission.Submitter
	accountLocks *sync.StripedLock
}

func New(l ledger.Ledger, configProvider ConfigProvider) (*Client, error) {
	conf := configProvider()

	r := resolver.New(l, conf.resolver)
	b, err := builder.New(r, conf.builder)
	if err != nil {
		return nil, err
	}

	return &Client{
		log:          logrus.StandardLogger().WithField("type", "poolclient"),
		conf:         conf,
		ledger:       l,
		resolver:     r,
		builder:      b,
		submitter:    submission.New(l, conf.submission),
		accountLocks: sync.NewStripedLock(uint(conf.accountLockStripes.Get(context.Background()))),
	}, nil
}

// Program is the pool program the client targets.
func (c *Client) Program() ed25519.PublicKey {
	return c.builder.Program()
}

type CreatePoolResult struct {
	Pool      ed25519.PublicKey
	Authority ed25519.PublicKey
	Bump      uint8
	Outcome   *submission.Outcome
}

// CreatePool initializes a pool at a freshly generated address, funded by
// payer.
func (c *Client) CreatePool(ctx context.Context, payer signer.Signer, name string) (*CreatePoolResult, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "CreatePool")
	defer tracer.End()

	result, err := c.createPool(ctx, payer, name)
	if err != nil {
		tracer.OnError(err)
	}
	return result, err
}

func (c *Client) createPool(ctx context.Context, payer signer.Signer, name string) (*CreatePoolResult, error) {
	if len(name) > pool.MaxNameLength {
		return nil, pool.ErrNameTooLong
	}

	poolSigner, err := signer.GenerateKeypairSigner()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate pool address")
	}

	groups, err := c.builder.BuildInitializePool(builder.InitializePoolParams{
		Name:  name,
		Payer: payer.PublicKey(),
		Pool:  poolSigner.PublicKey(),
	})
	if err != nil {
		return nil, err
	}

	authority, bump, err := c.builder.PoolAuthority(poolSigner.PublicKey())
	if err != nil {
		return nil, err
	}

	outcome, err := c.submitter.Execute(ctx, payer.PublicKey(), groups, payer, poolSigner)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"method":    "CreatePool",
		"pool":      base58.Encode(poolSigner.PublicKey()),
		"authority": base58.Encode(authority),
		"signature": outcome.Signature.String(),
	}).Info("pool created")

	return &CreatePoolResult{
		Pool:      poolSigner.PublicKey(),
		Authority: authority,
		Bump:      bump,
		Outcome:   outcome,
	}, nil
}

type SwapParams struct {
	// Sender receives the swapped tokens. The payer is the sender when nil.
	Sender signer.Signer

	Pool   ed25519.PublicKey
	Mint   ed25519.PublicKey
	Amount uint64

	// PayNative pays Amount lamports to the pool authority as part of the
	// swap.
	PayNative bool
}

// Swap exchanges Amount against the pool, creating whichever token accounts
// are missing. Creations that lose a race to another creator are resolved
// again and the swap is retried once.
func (c *Client) Swap(ctx context.Context, payer signer.Signer, params SwapParams) (*submission.Outcome, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Swap")
	defer tracer.End()

	outcome, err := c.swap(ctx, payer, params)
	if err != nil && !errors.Is(err, ledger.ErrRejected) {
		tracer.OnError(err)
	}
	return outcome, err
}

func (c *Client) swap(ctx context.Context, payer signer.Signer, params SwapParams) (*submission.Outcome, error) {
	sender := params.Sender
	if sender == nil {
		sender = payer
	}

	signers := []signer.Signer{payer}
	if !bytes.Equal(sender.PublicKey(), payer.PublicKey()) {
		signers = append(signers, sender)
	}

	log := c.log.WithFields(logrus.Fields{
		"method": "Swap",
		"pool":   base58.Encode(params.Pool),
		"sender": base58.Encode(sender.PublicKey()),
		"amount": params.Amount,
	})

	for attempt := 0; ; attempt++ {
		groups, err := c.builder.BuildSwap(ctx, builder.SwapParams{
			Payer:     payer.PublicKey(),
			Sender:    sender.PublicKey(),
			Pool:      params.Pool,
			Mint:      params.Mint,
			Amount:    params.Amount,
			PayNative: params.PayNative,
		})
		if err != nil {
			return nil, err
		}

		outcome, err := c.submitter.Execute(ctx, payer.PublicKey(), groups, signers...)
		if err == nil {
			log.WithField("signature", outcome.Signature.String()).Info("swap confirmed")
			return outcome, nil
		}

		var rejected *ledger.RejectedError
		if attempt == 0 && errors.As(err, &rejected) && rejected.IsAccountAlreadyInUse() && hasCreations(groups) {
			log.Info("token account created concurrently, rebuilding swap")
			continue
		}
		return nil, err
	}
}

func hasCreations(groups []transaction.InstructionGroup) bool {
	for _, g := range groups {
		if len(g.Creations) > 0 {
			return true
		}
	}
	return false
}

// EnsureAssociatedAccount returns the token account owner holds for mint,
// creating it at payer's expense if it doesn't exist yet.
func (c *Client) EnsureAssociatedAccount(ctx context.Context, payer signer.Signer, owner, mint ed25519.PublicKey) (ed25519.PublicKey, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "EnsureAssociatedAccount")
	defer tracer.End()

	address, err := c.ensureAssociatedAccount(ctx, payer, owner, mint)
	if err != nil {
		tracer.OnError(err)
	}
	return address, err
}

func (c *Client) ensureAssociatedAccount(ctx context.Context, payer signer.Signer, owner, mint ed25519.PublicKey) (ed25519.PublicKey, error) {
	lockKey := make([]byte, 0, len(owner)+len(mint))
	lockKey = append(append(lockKey, owner...), mint...)
	unlock := c.accountLocks.Lock(lockKey)
	defer unlock()

	log := c.log.WithFields(logrus.Fields{
		"method": "EnsureAssociatedAccount",
		"owner":  base58.Encode(owner),
		"mint":   base58.Encode(mint),
	})

	resolution, err := c.resolveExisting(ctx, payer, owner, mint)
	if err != nil || resolution.Create == nil {
		return addressOf(resolution), err
	}

	log = log.WithField("address", base58.Encode(resolution.Address))

	groups := []transaction.InstructionGroup{{Instruction: *resolution.Create}}
	outcome, err := c.submitter.Execute(ctx, payer.PublicKey(), groups, payer)
	if err == nil {
		log.WithField("signature", outcome.Signature.String()).Info("associated account created")
		return resolution.Address, nil
	}

	var rejected *ledger.RejectedError
	if !errors.As(err, &rejected) || !rejected.IsAccountAlreadyInUse() {
		return nil, err
	}

	log.Info("associated account created concurrently, resolving again")

	resolution, err = c.resolveExisting(ctx, payer, owner, mint)
	if err != nil {
		return nil, err
	}
	if resolution.Create != nil {
		return nil, errors.Wrap(rejected, "account reported in use but not found")
	}
	return resolution.Address, nil
}

func (c *Client) resolveExisting(ctx context.Context, payer signer.Signer, owner, mint ed25519.PublicKey) (*resolver.Resolution, error) {
	resolution, err := c.resolver.Resolve(ctx, payer.PublicKey(), owner, mint)
	if err != nil {
		return nil, err
	}
	if resolution.Kind == resolver.KindForeign {
		return nil, errors.Wrap(ErrForeignAccount, base58.Encode(resolution.Address))
	}
	return resolution, nil
}

func addressOf(resolution *resolver.Resolution) ed25519.PublicKey {
	if resolution == nil {
		return nil
	}
	return resolution.Address
}

// GetPool returns the decoded state of the pool at address.
func (c *Client) GetPool(ctx context.Context, address ed25519.PublicKey) (*pool.LiquidityPoolAccount, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetPool")
	defer tracer.End()

	account, err := c.ledger.GetAccount(ctx, address)
	if err == ledger.ErrAccountNotFound {
		return nil, ErrPoolNotFound
	} else if err != nil {
		tracer.OnError(err)
		return nil, err
	}

	if !bytes.Equal(account.Owner, c.builder.Program()) {
		return nil, errors.Wrapf(pool.ErrInvalidAccountData, "owned by %s", base58.Encode(account.Owner))
	}

	var state pool.LiquidityPoolAccount
	if err := state.Unmarshal(account.Data); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetTokenBalance returns how many tokens of mint owner holds. An account
// that doesn't exist holds none.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint ed25519.PublicKey) (uint64, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetTokenBalance")
	defer tracer.End()

	balance, err := c.getTokenBalance(ctx, owner, mint)
	if err != nil {
		tracer.OnError(err)
	}
	return balance, err
}

func (c *Client) getTokenBalance(ctx context.Context, owner, mint ed25519.PublicKey) (uint64, error) {
	resolution, err := c.resolver.Resolve(ctx, owner, owner, mint)
	if err != nil {
		return 0, err
	}

	switch resolution.Kind {
	case resolver.KindCreate:
		return 0, nil
	case resolver.KindForeign:
		return 0, errors.Wrap(ErrForeignAccount, base58.Encode(resolution.Address))
	}

	account, err := c.ledger.GetAccount(ctx, resolution.Address)
	if err == ledger.ErrAccountNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var tokenAccount token.Account
	if err := tokenAccount.Unmarshal(account.Data); err != nil {
		return 0, errors.Wrap(err, "invalid token account")
	}
	return tokenAccount.Amount, nil
}

// GetNativeBalance returns the lamports owner holds.
func (c *Client) GetNativeBalance(ctx context.Context, owner ed25519.PublicKey) (uint64, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetNativeBalance")
	defer tracer.End()

	balance, err := c.ledger.GetBalance(ctx, owner)
	if err != nil {
		tracer.OnError(err)
	}
	return balance, err
}

// RequestAirdrop credits lamports to owner on networks that allow it, and
// waits for the credit to confirm.
func (c *Client) RequestAirdrop(ctx context.Context, owner ed25519.PublicKey, lamports uint64) (*submission.Outcome, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "RequestAirdrop")
	defer tracer.End()

	outcome, err := c.requestAirdrop(ctx, owner, lamports)
	if err != nil {
		tracer.OnError(err)
	}
	return outcome, err
}

func (c *Client) requestAirdrop(ctx context.Context, owner ed25519.PublicKey, lamports uint64) (*submission.Outcome, error) {
	freshness, err := c.ledger.GetLatestFreshnessToken(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get freshness token")
	}

	sig, err := c.ledger.RequestAirdrop(ctx, owner, lamports)
	if err != nil {
		return nil, err
	}

	outcome, err := c.submitter.Confirm(ctx, sig, freshness.ExpiryHeight)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"method":    "RequestAirdrop",
		"owner":     base58.Encode(owner),
		"lamports":  lamports,
		"signature": outcome.Signature.String(),
	}).Info("airdrop confirmed")
	return outcome, nil
}

type TransferParams struct {
	// Sender owns the tokens and signs the transfer.
	Sender signer.Signer

	// Recipient is a wallet, or a token account of Mint.
	Recipient ed25519.PublicKey
	Mint      ed25519.PublicKey
	Amount    uint64
}

// TransferTokens moves Amount tokens of Mint from the sender's associated
// account to the recipient's, creating either account at payer's expense
// when it is missing.
func (c *Client) TransferTokens(ctx context.Context, payer signer.Signer, params TransferParams) (*submission.Outcome, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "TransferTokens")
	defer tracer.End()

	outcome, err := c.transferTokens(ctx, payer, params)
	if err != nil && !errors.Is(err, ledger.ErrRejected) {
		tracer.OnError(err)
	}
	return outcome, err
}

func (c *Client) transferTokens(ctx context.Context, payer signer.Signer, params TransferParams) (*submission.Outcome, error) {
	if params.Amount == 0 {
		return nil, builder.ErrInvalidTransferAmount
	}

	sender := params.Sender
	if sender == nil {
		sender = payer
	}

	signers := []signer.Signer{payer}
	if !bytes.Equal(sender.PublicKey(), payer.PublicKey()) {
		signers = append(signers, sender)
	}

	source, err := c.resolveExisting(ctx, payer, sender.PublicKey(), params.Mint)
	if err != nil {
		return nil, err
	}
	destination, err := c.resolveExisting(ctx, payer, params.Recipient, params.Mint)
	if err != nil {
		return nil, err
	}

	var creations []solana.Instruction
	for _, resolution := range []*resolver.Resolution{source, destination} {
		if resolution.Create != nil {
			creations = append(creations, *resolution.Create)
		}
	}

	groups, err := c.builder.BuildTransfer(builder.TransferParams{
		Source:      source.Address,
		Destination: destination.Address,
		Authority:   sender.PublicKey(),
		Amount:      params.Amount,
		Creations:   creations,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := c.submitter.Execute(ctx, payer.PublicKey(), groups, signers...)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"method":    "TransferTokens",
		"sender":    base58.Encode(sender.PublicKey()),
		"recipient": base58.Encode(params.Recipient),
		"amount":    params.Amount,
		"creations": len(creations),
		"signature": outcome.Signature.String(),
	}).Info("tokens transferred")
	return outcome, nil
}
