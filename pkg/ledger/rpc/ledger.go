// Package rpc implements ledger.Ledger over a Solana JSON-RPC node.
package rpc

import (
	"context"
	"crypto/ed25519"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	xrate "golang.org/x/time/rate"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/metrics"
	"github.com/code-payments/pool-client/pkg/rate"
	"github.com/code-payments/pool-client/pkg/solana"
)

const (
	metricsStructName = "ledger.rpc"

	limiterKey = "rpc"
)

var errRateLimited = errors.New("local rpc rate limit exceeded")

type rpcLedger struct {
	log     *logrus.Entry
	conf    *conf
	client  solana.Client
	limiter rate.Limiter
}

// New returns a ledger.Ledger backed by client.
func New(client solana.Client, configProvider ConfigProvider) ledger.Ledger {
	conf := configProvider()

	var limiter rate.Limiter = rate.NoLimiter{}
	if rps := conf.requestsPerSecond.Get(context.Background()); rps > 0 {
		limiter = rate.NewLocalRateLimiter(xrate.Limit(rps))
	}

	return &rpcLedger{
		log:     logrus.StandardLogger().WithField("type", "ledger/rpc"),
		conf:    conf,
		client:  client,
		limiter: limiter,
	}
}

// Dial returns a ledger.Ledger for the configured RPC endpoint.
func Dial(configProvider ConfigProvider) ledger.Ledger {
	endpoint := configProvider().endpoint.Get(context.Background())
	return New(solana.New(endpoint), configProvider)
}

// GetAccount implements ledger.Ledger.GetAccount.
func (l *rpcLedger) GetAccount(ctx context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetAccount")
	defer tracer.End()

	account, err := func() (*ledger.Account, error) {
		commitment, err := l.begin(ctx)
		if err != nil {
			return nil, err
		}

		info, err := l.client.GetAccountInfo(address, commitment)
		if err == solana.ErrNoAccountInfo {
			return nil, ledger.ErrAccountNotFound
		} else if err != nil {
			return nil, transportError(err, "failed to get account info")
		}

		return &ledger.Account{
			Address:    address,
			Owner:      info.Owner,
			Lamports:   info.Lamports,
			Data:       info.Data,
			Executable: info.Executable,
		}, nil
	}()
	if err != nil && err != ledger.ErrAccountNotFound {
		tracer.OnError(err)
	}
	return account, err
}

// GetLatestFreshnessToken implements ledger.Ledger.GetLatestFreshnessToken.
func (l *rpcLedger) GetLatestFreshnessToken(ctx context.Context) (ledger.FreshnessToken, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetLatestFreshnessToken")
	defer tracer.End()

	commitment, err := l.begin(ctx)
	if err != nil {
		tracer.OnError(err)
		return ledger.FreshnessToken{}, err
	}

	hash, lastValidBlockHeight, err := l.client.GetLatestBlockhash(commitment)
	if err != nil {
		err = transportError(err, "failed to get latest blockhash")
		tracer.OnError(err)
		return ledger.FreshnessToken{}, err
	}

	return ledger.FreshnessToken{
		Blockhash:    hash,
		ExpiryHeight: lastValidBlockHeight,
	}, nil
}

// GetBlockHeight implements ledger.Ledger.GetBlockHeight.
func (l *rpcLedger) GetBlockHeight(ctx context.Context) (uint64, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetBlockHeight")
	defer tracer.End()

	commitment, err := l.begin(ctx)
	if err != nil {
		tracer.OnError(err)
		return 0, err
	}

	height, err := l.client.GetBlockHeight(commitment)
	if err != nil {
		err = transportError(err, "failed to get block height")
		tracer.OnError(err)
		return 0, err
	}
	return height, nil
}

// SubmitTransaction implements ledger.Ledger.SubmitTransaction.
func (l *rpcLedger) SubmitTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "SubmitTransaction")
	defer tracer.End()

	var txn solana.Transaction
	if err := txn.Unmarshal(raw); err != nil {
		return solana.Signature{}, errors.Wrap(err, "invalid transaction")
	}

	sig := txn.Signature()
	log := l.log.WithField("signature", base58.Encode(sig[:]))
	tracer.AddAttribute("signature", base58.Encode(sig[:]))

	commitment, err := l.begin(ctx)
	if err != nil {
		tracer.OnError(err)
		return sig, err
	}

	_, err = l.client.SubmitTransaction(txn, commitment)
	if err == nil {
		return sig, nil
	}

	var txErr *solana.TransactionError
	if errors.As(err, &txErr) {
		if txErr.IsAlreadyProcessed() {
			log.Debug("transaction already processed")
			return sig, nil
		}

		rejection := ledger.NewRejectedError(txErr)
		log.WithField("reason", rejection.Reason).Info("transaction rejected")
		return sig, rejection
	}

	log.WithError(err).Warn("failed to submit transaction")
	err = transportError(err, "failed to submit transaction")
	tracer.OnError(err)
	return sig, err
}

// GetTransactionStatus implements ledger.Ledger.GetTransactionStatus.
func (l *rpcLedger) GetTransactionStatus(ctx context.Context, sig solana.Signature) (*ledger.TransactionStatus, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetTransactionStatus")
	defer tracer.End()

	commitment, err := l.begin(ctx)
	if err != nil {
		tracer.OnError(err)
		return nil, err
	}

	statuses, err := l.client.GetSignatureStatuses([]solana.Signature{sig})
	if err != nil {
		err = transportError(err, "failed to get signature status")
		tracer.OnError(err)
		return nil, err
	}

	if len(statuses) == 0 || statuses[0] == nil {
		return &ledger.TransactionStatus{Status: ledger.StatusPending}, nil
	}

	status := statuses[0]
	if status.ErrorResult != nil {
		return &ledger.TransactionStatus{
			Status:    ledger.StatusRejected,
			Slot:      status.Slot,
			Rejection: ledger.NewRejectedError(status.ErrorResult),
		}, nil
	}

	if status.Reached(commitment) {
		return &ledger.TransactionStatus{
			Status: ledger.StatusConfirmed,
			Slot:   status.Slot,
		}, nil
	}

	return &ledger.TransactionStatus{Status: ledger.StatusPending, Slot: status.Slot}, nil
}

// GetBalance implements ledger.Ledger.GetBalance.
func (l *rpcLedger) GetBalance(ctx context.Context, address ed25519.PublicKey) (uint64, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "GetBalance")
	defer tracer.End()

	commitment, err := l.begin(ctx)
	if err != nil {
		tracer.OnError(err)
		return 0, err
	}

	balance, err := l.client.GetBalance(address, commitment)
	if err == solana.ErrNoBalance {
		return 0, nil
	} else if err != nil {
		err = transportError(err, "failed to get balance")
		tracer.OnError(err)
		return 0, err
	}
	return balance, nil
}

// RequestAirdrop implements ledger.Ledger.RequestAirdrop.
func (l *rpcLedger) RequestAirdrop(ctx context.Context, address ed25519.PublicKey, lamports uint64) (solana.Signature, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "RequestAirdrop")
	defer tracer.End()

	commitment, err := l.begin(ctx)
	if err != nil {
		tracer.OnError(err)
		return solana.Signature{}, err
	}

	sig, err := l.client.RequestAirdrop(address, lamports, commitment)
	if err != nil {
		err = transportError(err, "failed to request airdrop")
		tracer.OnError(err)
		return solana.Signature{}, err
	}

	l.log.WithFields(logrus.Fields{
		"address":   base58.Encode(address),
		"lamports":  lamports,
		"signature": base58.Encode(sig[:]),
	}).Debug("airdrop requested")
	return sig, nil
}

// begin checks the context and local rate limit, and returns the
// commitment to use for the call.
func (l *rpcLedger) begin(ctx context.Context) (solana.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return solana.Commitment{}, err
	}

	allowed, err := l.limiter.Allow(limiterKey)
	if err != nil {
		return solana.Commitment{}, transportError(err, "rate limiter failure")
	}
	if !allowed {
		return solana.Commitment{}, transportError(errRateLimited, "request denied")
	}

	commitment, err := solana.CommitmentFromString(l.conf.commitment.Get(ctx))
	if err != nil {
		return solana.Commitment{}, errors.Wrap(err, "invalid commitment config")
	}
	return commitment, nil
}

type wrappedTransportError struct {
	cause error
	msg   string
}

func transportError(cause error, msg string) error {
	return &wrappedTransportError{cause: cause, msg: msg}
}

func (e *wrappedTransportError) Error() string {
	return e.msg + ": " + ledger.ErrTransport.Error() + ": " + e.cause.Error()
}

func (e *wrappedTransportError) Is(target error) bool {
	return target == ledger.ErrTransport
}

func (e *wrappedTransportError) Unwrap() error {
	return e.cause
}
