package inference

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rugdetector/rugdetector/internal/features"
)

func extract(t *testing.T, addr string) features.Vector {
	t.Helper()
	v, err := features.NewSimulated().Extract(context.Background(), addr, "ethereum")
	require.NoError(t, err)
	return v
}

func TestInferScoreInRange(t *testing.T) {
	s := NewLogisticScorer()
	for _, tail := range []string{"1", "3", "5", "7", "a", "f"} {
		addr := "0x" + strings.Repeat("0", 39) + tail
		out, err := s.Infer(context.Background(), extract(t, addr))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, out.Score, 0.0)
		assert.LessOrEqual(t, out.Score, 1.0)
		assert.GreaterOrEqual(t, out.Confidence, 0.75)
		assert.LessOrEqual(t, out.Confidence, 0.95)
	}
}

func TestInferOrdersRiskTiers(t *testing.T) {
	s := NewLogisticScorer()

	high := "0x" + strings.Repeat("0", 39) + "5" // seed divisible by 5
	low := "0x" + strings.Repeat("0", 39) + "1"

	highOut, err := s.Infer(context.Background(), extract(t, high))
	require.NoError(t, err)
	lowOut, err := s.Infer(context.Background(), extract(t, low))
	require.NoError(t, err)

	assert.Greater(t, highOut.Score, lowOut.Score,
		"a high-risk vector must outscore a low-risk one")
	assert.Greater(t, highOut.Score, 0.7)
	assert.Less(t, lowOut.Score, 0.3)
}

func TestInferDeterministic(t *testing.T) {
	s := NewLogisticScorer()
	v := extract(t, "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	a, err := s.Infer(context.Background(), v)
	require.NoError(t, err)
	b, err := s.Infer(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestInferCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLogisticScorer().Infer(ctx, features.Vector{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInferEmptyVector(t *testing.T) {
	out, err := NewLogisticScorer().Infer(context.Background(), features.Vector{})
	require.NoError(t, err)
	assert.Less(t, out.Score, 0.5, "an all-zero vector carries no risk signal")
}
