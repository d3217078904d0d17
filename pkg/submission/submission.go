// Package submission drives signed transactions to a terminal state:
// sending them with bounded retries, polling for confirmation, and
// rebuilding them against a fresh token when they expire.
package submission

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/pool-client/pkg/ledger"
	"github.com/code-payments/pool-client/pkg/metrics"
	"github.com/code-payments/pool-client/pkg/retry"
	"github.com/code-payments/pool-client/pkg/retry/backoff"
	"github.com/code-payments/pool-client/pkg/signer"
	"github.com/code-payments/pool-client/pkg/solana"
	"github.com/code-payments/pool-client/pkg/transaction"
)

const (
	metricsStructName = "submission.submitter"

	outcomeEventName   = "SubmissionOutcome"
	durationMetricName = "Submission.Duration"
	retryMetricName    = "Submission.TransportRetry"
	retryJitter        = 0.1
)

var (
	// ErrNotSigned is returned when submitting a transaction that is not in
	// transaction.StateSigned.
	ErrNotSigned = errors.New("transaction is not signed")

	// ErrExpired is returned when a transaction's freshness token lapsed
	// without the ledger recording it.
	ErrExpired = errors.New("transaction expired")
)

// Outcome describes a confirmed transaction.
type Outcome struct {
	Signature solana.Signature
	Slot      uint64

	// Attempts is the number of sends of the final transaction.
	Attempts uint

	// Rebuilds is the number of times the transaction was reassembled
	// after expiring.
	Rebuilds uint
}

// Submitter sends transactions to a ledger and tracks them until they
// confirm, are rejected, or expire.
type Submitter struct {
	log    *logrus.Entry
	conf   *conf
	ledger ledger.Ledger
}

func New(l ledger.Ledger, configProvider ConfigProvider) *Submitter {
	return &Submitter{
		log:    logrus.StandardLogger().WithField("type", "submission/submitter"),
		conf:   configProvider(),
		ledger: l,
	}
}

// Submit sends txn and waits for a terminal state. The same signed bytes
// are resent on transport errors, so the transaction executes at most
// once. A rejection is returned as a *ledger.RejectedError. If every send
// fails in transit, the transport error is returned and txn stays signed,
// so it can be submitted again.
func (s *Submitter) Submit(ctx context.Context, txn *transaction.Transaction) (*Outcome, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Submit")
	defer tracer.End()

	outcome, err := s.submit(ctx, txn)
	if err != nil && !errors.Is(err, ledger.ErrRejected) {
		tracer.OnError(err)
	}
	return outcome, err
}

func (s *Submitter) submit(ctx context.Context, txn *transaction.Transaction) (*Outcome, error) {
	if txn.State() != transaction.StateSigned {
		return nil, errors.Wrapf(ErrNotSigned, "state is %s", txn.State())
	}

	start := time.Now()
	sig := txn.Signature()
	log := s.log.WithFields(logrus.Fields{
		"method":    "Submit",
		"signature": sig.String(),
		"expiry":    txn.FreshnessToken().ExpiryHeight,
	})

	raw := txn.Marshal()
	attempts, err := retry.Retry(
		func() error {
			log.WithField("attempt_id", uuid.New().String()).Debug("sending transaction")
			_, err := s.ledger.SubmitTransaction(ctx, raw)
			return err
		},
		retry.RetriableErrors(ledger.ErrTransport),
		retry.Limit(uint(s.conf.maxSubmitAttempts.Get(ctx))),
		retry.Context(ctx),
		retry.OnRetry(func(attempts uint, err error) {
			log.WithError(err).WithField("attempts", attempts).Info("retrying send")
			metrics.RecordCount(ctx, retryMetricName, 1)
		}),
		retry.BackoffWithJitter(backoff.BinaryExponential(s.conf.retryBaseDelay.Get(ctx)), maxRetryBackoff, retryJitter),
	)
	log = log.WithField("attempts", attempts)

	var rejected *ledger.RejectedError
	if errors.As(err, &rejected) {
		switch {
		case rejected.IsAlreadyProcessed():
			// An earlier send landed but its response was lost.
			log.Debug("transaction already processed")
			err = nil
		case rejected.IsBlockhashNotFound():
			// The token lapsed before the send. Polling still checks whether
			// an earlier send landed before it reports the expiry.
			log.Info("freshness token not found at send")
			err = nil
		}
	}

	switch {
	case errors.As(err, &rejected):
		s.transition(log, txn, transaction.StateSubmitted)
		s.transition(log.WithField("reason", rejected.Reason), txn, transaction.StateRejected)
		s.record(ctx, txn, attempts, start)
		return nil, rejected
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.WithError(err).Warn("transaction could not be delivered")
		return nil, errors.Wrap(err, "failed to send transaction")
	}

	s.transition(log, txn, transaction.StateSubmitted)

	status, err := s.await(ctx, log, sig, txn.FreshnessToken().ExpiryHeight)
	if err != nil {
		return nil, err
	}

	switch status.Status {
	case ledger.StatusConfirmed:
		s.transition(log.WithField("slot", status.Slot), txn, transaction.StateConfirmed)
		s.record(ctx, txn, attempts, start)
		return &Outcome{
			Signature: sig,
			Slot:      status.Slot,
			Attempts:  attempts,
		}, nil
	case ledger.StatusRejected:
		rejection := status.Rejection
		if rejection == nil {
			rejection = &ledger.RejectedError{Reason: "unknown"}
		}
		s.transition(log.WithField("reason", rejection.Reason), txn, transaction.StateRejected)
		s.record(ctx, txn, attempts, start)
		return nil, rejection
	}

	s.transition(log, txn, transaction.StateExpired)
	s.record(ctx, txn, attempts, start)
	return nil, ErrExpired
}

// await polls until the transaction leaves the pending state, or until the
// block height passes its expiry and a final status read still reports it
// pending. Failed reads are retried on the next tick, up to the configured
// number of consecutive failures.
func (s *Submitter) await(ctx context.Context, log *logrus.Entry, sig solana.Signature, expiry uint64) (*ledger.TransactionStatus, error) {
	interval := s.conf.pollInterval.Get(ctx)
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	maxFailures := s.conf.maxSubmitAttempts.Get(ctx)
	if maxFailures == 0 {
		maxFailures = 1
	}

	var failures uint64
	for {
		status, err := s.poll(ctx, sig, expiry)
		if err == nil && status != nil {
			return status, nil
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			failures++
			log.WithError(err).WithField("failures", failures).Debug("failed to poll transaction")
			if failures >= maxFailures {
				return nil, errors.Wrap(err, "failed to poll transaction status")
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll returns the transaction's status once it is terminal, or once the
// block height has passed expiry. A nil status with a nil error means the
// transaction is still pending.
func (s *Submitter) poll(ctx context.Context, sig solana.Signature, expiry uint64) (*ledger.TransactionStatus, error) {
	status, statusErr := s.ledger.GetTransactionStatus(ctx, sig)
	if statusErr == nil && status.Status != ledger.StatusPending {
		return status, nil
	}

	height, err := s.ledger.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if height <= expiry {
		return nil, statusErr
	}

	// The ledger may have recorded it just before the height moved past
	// expiry.
	return s.ledger.GetTransactionStatus(ctx, sig)
}

// Confirm waits for a transaction the ledger was handed outside of Submit,
// such as an airdrop, to reach a terminal state. ErrExpired is returned
// once the block height passes expiryHeight without the ledger recording
// it.
func (s *Submitter) Confirm(ctx context.Context, sig solana.Signature, expiryHeight uint64) (*Outcome, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Confirm")
	defer tracer.End()

	log := s.log.WithFields(logrus.Fields{
		"method":    "Confirm",
		"signature": sig.String(),
		"expiry":    expiryHeight,
	})

	status, err := s.await(ctx, log, sig, expiryHeight)
	if err != nil {
		tracer.OnError(err)
		return nil, err
	}

	switch status.Status {
	case ledger.StatusConfirmed:
		log.WithField("slot", status.Slot).Debug("transaction confirmed")
		return &Outcome{Signature: sig, Slot: status.Slot, Attempts: 1}, nil
	case ledger.StatusRejected:
		if status.Rejection == nil {
			return nil, &ledger.RejectedError{Reason: "unknown"}
		}
		return nil, status.Rejection
	}

	log.Info("transaction expired unconfirmed")
	return nil, ErrExpired
}

func (s *Submitter) transition(log *logrus.Entry, txn *transaction.Transaction, to transaction.State) {
	from := txn.State()
	if err := txn.Transition(to); err != nil {
		log.WithError(err).Warn("unexpected state transition")
		return
	}
	log.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("transaction state changed")
}

func (s *Submitter) record(ctx context.Context, txn *transaction.Transaction, attempts uint, start time.Time) {
	metrics.RecordEvent(ctx, outcomeEventName, map[string]interface{}{
		"signature": txn.Signature().String(),
		"state":     txn.State().String(),
		"attempts":  attempts,
	})
	metrics.RecordDuration(ctx, durationMetricName, time.Since(start))
}

// Execute assembles groups against the latest freshness token, signs with
// signers, and submits. Expired transactions are rebuilt against a fresh
// token and signed again, up to the configured number of rebuilds.
func (s *Submitter) Execute(ctx context.Context, feePayer ed25519.PublicKey, groups []transaction.InstructionGroup, signers ...signer.Signer) (*Outcome, error) {
	tracer := metrics.TraceMethodCall(ctx, metricsStructName, "Execute")
	defer tracer.End()

	outcome, err := s.execute(ctx, feePayer, groups, signers...)
	if err != nil && !errors.Is(err, ledger.ErrRejected) {
		tracer.OnError(err)
	}
	return outcome, err
}

func (s *Submitter) execute(ctx context.Context, feePayer ed25519.PublicKey, groups []transaction.InstructionGroup, signers ...signer.Signer) (*Outcome, error) {
	freshness, err := s.freshness(ctx)
	if err != nil {
		return nil, err
	}

	txn, err := transaction.Assemble(feePayer, freshness, groups...)
	if err != nil {
		return nil, err
	}

	maxRebuilds := uint(s.conf.maxRebuilds.Get(ctx))
	for rebuilds := uint(0); ; rebuilds++ {
		if err := txn.Sign(ctx, signers...); err != nil {
			return nil, err
		}

		outcome, err := s.Submit(ctx, txn)
		if err == nil {
			outcome.Rebuilds = rebuilds
			return outcome, nil
		}
		if !errors.Is(err, ErrExpired) || rebuilds >= maxRebuilds {
			return nil, err
		}

		s.log.WithFields(logrus.Fields{
			"method":    "Execute",
			"signature": txn.Signature().String(),
			"rebuilds":  rebuilds + 1,
		}).Info("transaction expired, rebuilding")

		freshness, err = s.freshness(ctx)
		if err != nil {
			return nil, err
		}
		if txn, err = txn.Rebuild(freshness); err != nil {
			return nil, err
		}
	}
}

func (s *Submitter) freshness(ctx context.Context) (ledger.FreshnessToken, error) {
	var token ledger.FreshnessToken
	_, err := retry.Retry(
		func() error {
			var err error
			token, err = s.ledger.GetLatestFreshnessToken(ctx)
			return err
		},
		retry.RetriableErrors(ledger.ErrTransport),
		retry.Limit(uint(s.conf.maxSubmitAttempts.Get(ctx))),
		retry.Context(ctx),
		retry.BackoffWithJitter(backoff.BinaryExponential(s.conf.retryBaseDelay.Get(ctx)), maxRetryBackoff, retryJitter),
	)
	if err != nil {
		return ledger.FreshnessToken{}, errors.Wrap(err, "failed to get freshness token")
	}
	return token, nil
}
