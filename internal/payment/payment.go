// Package payment verifies payment evidence before an analysis runs.
//
// Demo evidence is trusted as-is. On-chain evidence is consumed in the
// replay cache first, then confirmed against the chain; consume first
// so that of two requests racing on the same hash only one ever reaches
// the RPC endpoint. A failed confirmation releases the cache slot, a
// transient RPC error must not burn a legitimate payment.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/rugdetector/rugdetector/internal/chain"
	"github.com/rugdetector/rugdetector/internal/metrics"
	"github.com/rugdetector/rugdetector/internal/replay"
	"github.com/rugdetector/rugdetector/internal/traces"
	"github.com/rugdetector/rugdetector/internal/usdc"
)

var (
	// ErrAlreadyUsed means the payment key is consumed and unexpired.
	ErrAlreadyUsed = errors.New("payment: already used")
	// ErrVerificationFailed means the chain did not confirm the payment.
	// The replay slot has been rolled back.
	ErrVerificationFailed = errors.New("payment: verification failed")
)

// ConfirmError wraps ErrVerificationFailed with the chain outcome so
// logs can say why confirmation was negative.
type ConfirmError struct {
	Outcome chain.Outcome
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("payment: verification failed: %s", e.Outcome)
}

func (e *ConfirmError) Unwrap() error { return ErrVerificationFailed }

// Confirmer is the chain collaborator.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, txHash string, minAmount *big.Int) (*chain.Confirmation, error)
}

// Verified is the outcome of a successful verification.
type Verified struct {
	Demo   bool
	TxHash string // Empty for demo payments
	Payer  string // Sender address, empty for demo payments
	Amount *big.Int
}

// Verifier checks payment evidence against the replay cache and the chain.
type Verifier struct {
	cache      *replay.Cache
	confirmer  Confirmer
	minAmount  *big.Int
	rpcTimeout time.Duration
	logger     *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithRPCTimeout bounds each chain confirmation call.
func WithRPCTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.rpcTimeout = d }
}

// NewVerifier creates a Verifier. minAmount is in smallest USDC units.
func NewVerifier(cache *replay.Cache, confirmer Confirmer, minAmount *big.Int, opts ...Option) *Verifier {
	v := &Verifier{
		cache:      cache,
		confirmer:  confirmer,
		minAmount:  minAmount,
		rpcTimeout: 15 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks evidence spent on subject. Demo evidence succeeds
// without touching the cache or the chain. On-chain evidence returns
// ErrAlreadyUsed on replay and ErrVerificationFailed (wrapped in a
// ConfirmError) on a negative confirmation.
func (v *Verifier) Verify(ctx context.Context, ev Evidence, subject string) (*Verified, error) {
	ctx, span := traces.StartSpan(ctx, "payment.verify", traces.PaymentKind(ev.Kind.String()))
	defer span.End()

	if ev.Kind == KindDemo {
		metrics.PaymentVerificationsTotal.WithLabelValues("demo").Inc()
		v.logger.Debug("demo payment accepted", "token", ev.Token)
		return &Verified{Demo: true}, nil
	}

	if !v.cache.TryConsume(ev.Key(), subject) {
		metrics.PaymentVerificationsTotal.WithLabelValues("already_used").Inc()
		metrics.ReplayRejectionsTotal.Inc()
		return nil, ErrAlreadyUsed
	}

	confCtx, cancel := context.WithTimeout(ctx, v.rpcTimeout)
	defer cancel()

	conf, err := v.confirmer.ConfirmPayment(confCtx, ev.TxHash, v.minAmount)
	if err != nil {
		// RPC trouble, not a verdict on the payment itself.
		v.cache.Release(ev.Key())
		metrics.PaymentVerificationsTotal.WithLabelValues("verification_failed").Inc()
		v.logger.Warn("chain confirmation errored", "tx", ev.TxHash, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if conf.Outcome != chain.OutcomeConfirmed {
		v.cache.Release(ev.Key())
		metrics.PaymentVerificationsTotal.WithLabelValues("verification_failed").Inc()
		v.logger.Info("payment not confirmed", "tx", ev.TxHash, "outcome", conf.Outcome.String())
		return nil, &ConfirmError{Outcome: conf.Outcome}
	}

	metrics.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	v.logger.Info("payment verified",
		"tx", ev.TxHash,
		"payer", conf.From.Hex(),
		"amount", usdc.Format(conf.Amount))

	return &Verified{
		TxHash: ev.TxHash,
		Payer:  conf.From.Hex(),
		Amount: conf.Amount,
	}, nil
}
