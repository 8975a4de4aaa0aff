package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rugdetector/rugdetector/internal/features"
	"github.com/rugdetector/rugdetector/internal/inference"
	"github.com/rugdetector/rugdetector/internal/zkml"
)

const testAddr = "0x1111111111111111111111111111111111111111"

type stubExtractor struct {
	vector features.Vector
	err    error
}

func (s *stubExtractor) Extract(ctx context.Context, address, chain string) (features.Vector, error) {
	return s.vector, s.err
}

type stubModel struct {
	out inference.Outcome
	err error
}

func (s *stubModel) Infer(ctx context.Context, v features.Vector) (inference.Outcome, error) {
	return s.out, s.err
}

type stubProver struct {
	proof       *zkml.Proof
	generateErr error
	verified    bool
	verifyErr   error
}

func (s *stubProver) Generate(ctx context.Context, v features.Vector, out inference.Outcome) (*zkml.Proof, error) {
	return s.proof, s.generateErr
}

func (s *stubProver) Verify(ctx context.Context, p *zkml.Proof, v features.Vector, out inference.Outcome) (bool, error) {
	return s.verified, s.verifyErr
}

func happyOrchestrator() (*Orchestrator, *stubProver) {
	prover := &stubProver{
		proof:    &zkml.Proof{ProofID: "abc", Protocol: zkml.Protocol, Verifiable: true},
		verified: true,
	}
	o := New(
		&stubExtractor{vector: features.Vector{"hasHiddenMint": 1}},
		&stubModel{out: inference.Outcome{Score: 0.82, Confidence: 0.9}},
		prover,
		Timeouts{},
	)
	return o, prover
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryLow, CategoryFor(0))
	assert.Equal(t, CategoryLow, CategoryFor(0.29))
	assert.Equal(t, CategoryMedium, CategoryFor(0.3))
	assert.Equal(t, CategoryMedium, CategoryFor(0.69))
	assert.Equal(t, CategoryHigh, CategoryFor(0.7))
	assert.Equal(t, CategoryHigh, CategoryFor(1))
}

func TestRecommendationFor(t *testing.T) {
	assert.Contains(t, RecommendationFor(CategoryLow), "DYOR")
	assert.Contains(t, RecommendationFor(CategoryMedium), "caution")
	assert.Contains(t, RecommendationFor(CategoryHigh), "Avoid investing")
	assert.Equal(t, "Unable to assess risk.", RecommendationFor("bogus"))
}

func TestRunHappyPath(t *testing.T) {
	o, _ := happyOrchestrator()

	res, err := o.Run(context.Background(), testAddr, "ethereum")
	require.NoError(t, err)

	assert.Equal(t, 0.82, res.Score)
	assert.Equal(t, CategoryHigh, res.Category)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Contains(t, res.Recommendation, "Avoid investing")
	assert.Empty(t, res.VerificationWarning)

	require.NotNil(t, res.Proof)
	require.NotNil(t, res.Proof.Verified)
	assert.True(t, *res.Proof.Verified)
	assert.NotEmpty(t, res.Proof.VerifiedAt)
	assert.False(t, res.Timestamp.IsZero())
}

func TestRunExtractFailureIsFatal(t *testing.T) {
	o := New(
		&stubExtractor{err: errors.New("rpc down")},
		&stubModel{},
		&stubProver{},
		Timeouts{},
	)

	res, err := o.Run(context.Background(), testAddr, "ethereum")
	assert.Nil(t, res)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageExtract, se.Stage)
}

func TestRunInferFailureIsFatal(t *testing.T) {
	o := New(
		&stubExtractor{vector: features.Vector{}},
		&stubModel{err: errors.New("model corrupt")},
		&stubProver{},
		Timeouts{},
	)

	res, err := o.Run(context.Background(), testAddr, "ethereum")
	assert.Nil(t, res)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageInfer, se.Stage)
}

func TestRunProveFailureDegrades(t *testing.T) {
	o := New(
		&stubExtractor{vector: features.Vector{}},
		&stubModel{out: inference.Outcome{Score: 0.2, Confidence: 0.8}},
		&stubProver{generateErr: errors.New("prover unavailable")},
		Timeouts{},
	)

	res, err := o.Run(context.Background(), testAddr, "ethereum")
	require.NoError(t, err, "prove failure must not abort the analysis")

	assert.Equal(t, CategoryLow, res.Category)
	assert.Nil(t, res.Proof, "no proof artifact when the prover produced nothing")
	assert.Contains(t, res.VerificationWarning, "unproven")
}

func TestRunVerifyRejectionDegrades(t *testing.T) {
	prover := &stubProver{
		proof:    &zkml.Proof{ProofID: "abc", Protocol: zkml.Protocol},
		verified: false,
	}
	o := New(
		&stubExtractor{vector: features.Vector{}},
		&stubModel{out: inference.Outcome{Score: 0.5, Confidence: 0.8}},
		prover,
		Timeouts{},
	)

	res, err := o.Run(context.Background(), testAddr, "ethereum")
	require.NoError(t, err)

	require.NotNil(t, res.Proof)
	require.NotNil(t, res.Proof.Verified)
	assert.False(t, *res.Proof.Verified, "verifier rejection reads as verified=false")
	assert.NotEmpty(t, res.VerificationWarning)
}

func TestRunVerifyErrorDegrades(t *testing.T) {
	prover := &stubProver{
		proof:     &zkml.Proof{ProofID: "abc", Protocol: zkml.Protocol},
		verifyErr: errors.New("verifier crashed"),
	}
	o := New(
		&stubExtractor{vector: features.Vector{}},
		&stubModel{out: inference.Outcome{Score: 0.5, Confidence: 0.8}},
		prover,
		Timeouts{},
	)

	res, err := o.Run(context.Background(), testAddr, "ethereum")
	require.NoError(t, err)

	require.NotNil(t, res.Proof.Verified)
	assert.False(t, *res.Proof.Verified, "verifier error reads as verified=false, never true")
}

func TestRunStageTimeout(t *testing.T) {
	slow := &slowExtractor{delay: 50 * time.Millisecond}
	o := New(
		slow,
		&stubModel{},
		&stubProver{},
		Timeouts{Extract: 10 * time.Millisecond},
	)

	_, err := o.Run(context.Background(), testAddr, "ethereum")
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageExtract, se.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type slowExtractor struct {
	delay time.Duration
}

func (s *slowExtractor) Extract(ctx context.Context, address, chain string) (features.Vector, error) {
	select {
	case <-time.After(s.delay):
		return features.Vector{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunEndToEndWithRealCollaborators(t *testing.T) {
	o := New(
		features.NewSimulated(),
		inference.NewLogisticScorer(),
		zkml.NewCommitmentProver(""),
		Timeouts{},
	)

	highAddr := "0x" + strings.Repeat("0", 39) + "5"
	res, err := o.Run(context.Background(), highAddr, "ethereum")
	require.NoError(t, err)

	assert.Equal(t, CategoryHigh, res.Category)
	assert.Len(t, res.Features, 60)
	require.NotNil(t, res.Proof)
	require.NotNil(t, res.Proof.Verified)
	assert.True(t, *res.Proof.Verified, "a freshly generated proof must verify")
	assert.Empty(t, res.VerificationWarning)
}
