// Package pipeline sequences the four analysis stages and owns the
// failure contract: extraction and inference failures abort the
// request, proof failures degrade it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rugdetector/rugdetector/internal/features"
	"github.com/rugdetector/rugdetector/internal/inference"
	"github.com/rugdetector/rugdetector/internal/metrics"
	"github.com/rugdetector/rugdetector/internal/traces"
	"github.com/rugdetector/rugdetector/internal/zkml"
)

// Stage names, used in errors, metrics, and spans.
const (
	StageExtract = "extract"
	StageInfer   = "infer"
	StageProve   = "prove"
	StageVerify  = "verify"
)

// StageError marks a fatal failure in one of the first two stages.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Risk categories.
const (
	CategoryLow    = "low"
	CategoryMedium = "medium"
	CategoryHigh   = "high"
)

// CategoryFor maps a score to its category: [0,0.3) low, [0.3,0.7)
// medium, [0.7,1] high.
func CategoryFor(score float64) string {
	switch {
	case score < 0.3:
		return CategoryLow
	case score < 0.7:
		return CategoryMedium
	default:
		return CategoryHigh
	}
}

var recommendations = map[string]string{
	CategoryLow:    "Low risk detected. Contract appears relatively safe, but always DYOR.",
	CategoryMedium: "Medium risk detected. Proceed with caution and conduct thorough research.",
	CategoryHigh:   "High risk detected. Avoid investing. Multiple red flags identified.",
}

// RecommendationFor returns the advice string for a category.
func RecommendationFor(category string) string {
	if r, ok := recommendations[category]; ok {
		return r
	}
	return "Unable to assess risk."
}

// Result is the assembled analysis. It is request-local and never
// shared or persisted.
type Result struct {
	Score          float64
	Category       string
	Confidence     float64
	Features       features.Vector
	Recommendation string
	Timestamp      time.Time

	// Proof is nil when the prover produced nothing. Proof.Verified is
	// the tri-state trust flag set by the verify stage.
	Proof *zkml.Proof
	// VerificationWarning is non-empty when stage 3 or 4 degraded.
	VerificationWarning string
}

// Timeouts bounds each stage individually. A slow prover must not eat
// into the extraction budget of the next request.
type Timeouts struct {
	Extract time.Duration
	Infer   time.Duration
	Prove   time.Duration
	Verify  time.Duration
}

// Orchestrator runs the stages in order.
type Orchestrator struct {
	extractor features.Extractor
	model     inference.Model
	prover    zkml.Prover
	timeouts  Timeouts
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the timestamp source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Zero timeout fields fall back to
// generous defaults.
func New(extractor features.Extractor, model inference.Model, prover zkml.Prover, timeouts Timeouts, opts ...Option) *Orchestrator {
	if timeouts.Extract <= 0 {
		timeouts.Extract = 30 * time.Second
	}
	if timeouts.Infer <= 0 {
		timeouts.Infer = 10 * time.Second
	}
	if timeouts.Prove <= 0 {
		timeouts.Prove = 60 * time.Second
	}
	if timeouts.Verify <= 0 {
		timeouts.Verify = 30 * time.Second
	}
	o := &Orchestrator{
		extractor: extractor,
		model:     model,
		prover:    prover,
		timeouts:  timeouts,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes extract, infer, prove, verify strictly in order.
// Failures in the first two stages return a *StageError and no result.
// Failures in the last two return a degraded result instead.
func (o *Orchestrator) Run(ctx context.Context, address, chainName string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.run",
		traces.ContractAddr(address), traces.Chain(chainName))
	defer span.End()

	var vector features.Vector
	err := o.stage(ctx, StageExtract, o.timeouts.Extract, func(ctx context.Context) error {
		var serr error
		vector, serr = o.extractor.Extract(ctx, address, chainName)
		return serr
	})
	if err != nil {
		return nil, &StageError{Stage: StageExtract, Err: err}
	}

	var outcome inference.Outcome
	err = o.stage(ctx, StageInfer, o.timeouts.Infer, func(ctx context.Context) error {
		var serr error
		outcome, serr = o.model.Infer(ctx, vector)
		return serr
	})
	if err != nil {
		return nil, &StageError{Stage: StageInfer, Err: err}
	}

	category := CategoryFor(outcome.Score)
	metrics.AnalysesTotal.WithLabelValues(category).Inc()

	result := &Result{
		Score:          outcome.Score,
		Category:       category,
		Confidence:     outcome.Confidence,
		Features:       vector,
		Recommendation: RecommendationFor(category),
		Timestamp:      o.now().UTC(),
	}

	var proof *zkml.Proof
	err = o.stage(ctx, StageProve, o.timeouts.Prove, func(ctx context.Context) error {
		var serr error
		proof, serr = o.prover.Generate(ctx, vector, outcome)
		return serr
	})
	if err != nil {
		// No proof at all: trust status is absent, not false.
		o.logger.Warn("proof generation failed", "address", address, "error", err)
		result.VerificationWarning = "proof generation failed; result is unproven"
		return result, nil
	}
	result.Proof = proof

	var verified bool
	err = o.stage(ctx, StageVerify, o.timeouts.Verify, func(ctx context.Context) error {
		var serr error
		verified, serr = o.prover.Verify(ctx, proof, vector, outcome)
		return serr
	})
	if err != nil {
		o.logger.Warn("proof verification errored", "address", address, "error", err)
		verified = false
	}

	proof.Verified = &verified
	proof.VerifiedAt = o.now().UTC().Format(time.RFC3339)
	if !verified {
		result.VerificationWarning = "proof could not be verified; treat the result as unproven"
	}

	return result, nil
}

// stage runs fn under its own timeout with a span and stage metrics.
func (o *Orchestrator) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "pipeline."+name, traces.Stage(name))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.PipelineStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineStageFailuresTotal.WithLabelValues(name).Inc()
	}
	return err
}
