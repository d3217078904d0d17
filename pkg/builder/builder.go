// Package builder turns pool operations into the instruction groups that
// carry them out, resolving the token accounts each one depends on.
package builder

import (
	"context"
	"crypto/ed25519"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/pool-client/pkg/cache"
	"github.com/code-payments/pool-client/pkg/metrics"
	"github.com/code-payments/pool-client/pkg/pool"
	"github.com/code-payments/pool-client/pkg/resolver"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/solana/computebudget"
	"github.com/code-payments/pool-client/pkg/solana/system"
	"github.com/code-payments/pool-client/pkg/solana/token"
	"github.com/code-payments/pool-client/pkg/transaction"
)

const metricsStructName = "builder"

var ErrInvalidTransferAmount = errors.New("transfer amount must be positive")

type authority struct {
	address ed25519.PublicKey
	bump    uint8
}

// Builder builds pool instructions for a single program deployment.
type Builder struct {
	log      *logrus.Entry
	conf     *conf
	program  ed25519.PublicKey
	resolver *resolver.Resolver

	// Derivation is pure, so authorities can be memoized indefinitely.
	authorities cache.Cache
}

func New(resolver *resolver.Resolver, configProvider ConfigProvider) (*Builder, error) {
	conf := configProvider()

	programId := conf.programId.Get(context.Background())
	program, err := base58.Decode(programId)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid program id %q", programId)
	}
	if len(program) != ed25519.PublicKeySize {
		return nil, errors.Errorf("invalid program id length: %d", len(program))
	}

	if limit := conf.computeUnitLimit.Get(context.Background()); limit > computebudget.MaxComputeUnitLimit {
		return nil, errors.Errorf("compute unit limit %d exceeds %d", limit, computebudget.MaxComputeUnitLimit)
	}

	return &Builder{
		log:         logrus.StandardLogger().WithField("type", "builder"),
		conf:        conf,
		program:     program,
		resolver:    resolver,
		authorities: cache.NewCache(int(conf.authorityCacheBudget.Get(context.Background()))),
	}, nil
}

// Program is the pool program instructions are addressed to.
func (b *Builder) Program() ed25519.PublicKey {
	return b.program
}

// PoolAuthority returns the authority address and bump for poolAddress.
func (b *Builder) PoolAuthority(poolAddress ed25519.PublicKey) (ed25519.PublicKey, uint8, error) {
	if cached, ok := b.authorities.Retrieve(string(poolAddress)); ok {
		a := cached.(authority)
		return a.address, a.bump, nil
	}

	address, bump, err := pool.GetPoolAuthorityAddress(b.program, poolAddress)
	if err != nil {
		return nil, 0, err
	}

	err = b.authorities.Insert(string(poolAddress), authority{address: address, bump: bump}, 1)
	if err != nil && err != cache.ErrKeyExists {
		b.log.WithError(err).Warn("failed to cache pool authority")
	}
	return address, bump, nil
}

type InitializePoolParams struct {
	Name  string
	Payer ed25519.PublicKey

	// Pool is a freshly generated address. It must co-sign.
	Pool ed25519.PublicKey
}

// BuildInitializePool returns the single group that creates a pool.
func (b *Builder) BuildInitializePool(params InitializePoolParams) ([]transaction.InstructionGroup, error) {
	if len(params.Name) > pool.MaxNameLength {
		return nil, pool.ErrNameTooLong
	}

	poolAuthority, bump, err := b.PoolAuthority(params.Pool)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive pool authority")
	}

	ix, err := pool.NewInitializePoolInstruction(
		b.program,
		&pool.InitializePoolInstructionAccounts{
			Pool:          params.Pool,
			PoolAuthority: poolAuthority,
			Payer:         params.Payer,
		},
		&pool.InitializePoolInstructionArgs{
			Name:         params.Name,
			CreatedAt:    0,
			SignerBump:   bump,
			PoolProvider: params.Payer,
		},
	)
	if err != nil {
		return nil, err
	}

	return b.withComputeBudget([]transaction.InstructionGroup{{Instruction: ix}}), nil
}

type SwapParams struct {
	// Payer funds any token accounts that need creating.
	Payer  ed25519.PublicKey
	Sender ed25519.PublicKey
	Pool   ed25519.PublicKey
	Mint   ed25519.PublicKey

	// Amount is in lamports.
	Amount uint64

	// PayNative sends Amount lamports from the sender to the pool authority
	// ahead of the swap.
	PayNative bool
}

// BuildSwap returns the groups that swap Amount against the pool, preceded
// by the creation of any missing token accounts.
func (b *Builder) BuildSwap(ctx context.Context, params SwapParams) ([]transaction.InstructionGroup, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "BuildSwap")
	defer tracer.End()

	groups, err := b.buildSwap(ctx, params)
	if err != nil {
		tracer.OnError(err)
	}
	return groups, err
}

func (b *Builder) buildSwap(ctx context.Context, params SwapParams) ([]transaction.InstructionGroup, error) {
	if params.Amount == 0 {
		return nil, pool.ErrInvalidAmount
	}

	poolAuthority, _, err := b.PoolAuthority(params.Pool)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive pool authority")
	}

	poolTokenAccount, err := b.resolver.Resolve(ctx, params.Payer, poolAuthority, params.Mint)
	if err != nil {
		return nil, err
	}
	senderTokenAccount, err := b.resolver.Resolve(ctx, params.Payer, params.Sender, params.Mint)
	if err != nil {
		return nil, err
	}

	var creations []solana.Instruction
	for _, resolution := range []*resolver.Resolution{poolTokenAccount, senderTokenAccount} {
		if resolution.Create != nil {
			creations = append(creations, *resolution.Create)
		}
	}

	swap, err := pool.NewSwapTokenInstruction(
		b.program,
		&pool.SwapTokenInstructionAccounts{
			Pool:               params.Pool,
			PoolAuthority:      poolAuthority,
			Sender:             params.Sender,
			SenderTokenAccount: senderTokenAccount.Address,
			PoolTokenAccount:   poolTokenAccount.Address,
		},
		&pool.SwapTokenInstructionArgs{Amount: params.Amount},
	)
	if err != nil {
		return nil, err
	}

	b.log.WithFields(logrus.Fields{
		"method":    "BuildSwap",
		"pool":      base58.Encode(params.Pool),
		"sender":    base58.Encode(params.Sender),
		"creations": len(creations),
	}).Debug("built swap")

	if !params.PayNative {
		return b.withComputeBudget([]transaction.InstructionGroup{
			{Creations: creations, Instruction: swap},
		}), nil
	}

	return b.withComputeBudget([]transaction.InstructionGroup{
		{Creations: creations, Instruction: system.Transfer(params.Sender, poolAuthority, params.Amount)},
		{Instruction: swap},
	}), nil
}

// withComputeBudget prepends the configured compute budget instructions, if
// any, so they lead the transaction.
type TransferParams struct {
	// Source and Destination are token accounts of the same mint.
	Source      ed25519.PublicKey
	Destination ed25519.PublicKey

	// Authority owns Source and must sign.
	Authority ed25519.PublicKey
	Amount    uint64

	// Creations run ahead of the transfer, as part of the same group.
	Creations []solana.Instruction
}

// BuildTransfer returns the single group that moves Amount tokens from
// Source to Destination.
func (b *Builder) BuildTransfer(params TransferParams) ([]transaction.InstructionGroup, error) {
	if params.Amount == 0 {
		return nil, ErrInvalidTransferAmount
	}

	return b.withComputeBudget([]transaction.InstructionGroup{{
		Creations:   params.Creations,
		Instruction: token.Transfer(params.Source, params.Destination, params.Authority, params.Amount),
	}}), nil
}

func (b *Builder) withComputeBudget(groups []transaction.InstructionGroup) []transaction.InstructionGroup {
	var budget []transaction.InstructionGroup
	if limit := b.conf.computeUnitLimit.Get(context.Background()); limit > 0 {
		if limit > computebudget.MaxComputeUnitLimit {
			b.log.WithField("limit", limit).Warn("compute unit limit too large, clamping")
			limit = computebudget.MaxComputeUnitLimit
		}
		budget = append(budget, transaction.InstructionGroup{Instruction: computebudget.SetComputeUnitLimit(uint32(limit))})
	}
	if price := b.conf.computeUnitPrice.Get(context.Background()); price > 0 {
		budget = append(budget, transaction.InstructionGroup{Instruction: computebudget.SetComputeUnitPrice(price)})
	}
	return append(budget, groups...)
}
