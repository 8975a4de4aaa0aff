// Package inference scores a feature vector into a rug-pull probability.
package inference

import (
	"context"
	"math"

	"github.com/rugdetector/rugdetector/internal/features"
)

// Outcome is a model prediction.
type Outcome struct {
	Score      float64 // Probability of a rug pull, in [0, 1]
	Confidence float64 // Model confidence, in [0.75, 0.95]
}

// Model scores a feature vector.
type Model interface {
	Infer(ctx context.Context, v features.Vector) (Outcome, error)
}

// riskWeights is the logistic layer: positive weights push toward high
// risk, negative toward low. Features absent here contribute nothing.
var riskWeights = map[string]float64{
	// Hard red flags
	"hasHiddenMint":            0.9,
	"ownerBlacklisted":         0.9,
	"suspiciousPatterns":       0.8,
	"suspiciousHolderPatterns": 0.8,
	"rugpullHistoryOnDEX":      0.8,
	"hasSelfDestruct":          0.6,
	"ownershipChangedRecently": 0.5,
	"poolCreatedRecently":      0.5,
	"lowLiquidityWarning":      0.5,
	"slippageTooHigh":          0.4,
	"highFailureRate":          0.4,
	"newHoldersSpiking":        0.3,
	"hasPausableTransfers":     0.3,
	"isUpgradeable":            0.2,

	// Continuous pressure signals
	"holderConcentration":      2.0,
	"top10HoldersPercent":      1.0,
	"sellingPressure":          1.5,
	"liquidityProvidedByOwner": 1.5,
	"complexityScore":          0.8,
	"ownerBalance":             1.0,

	// Protective signals
	"hasLiquidityLock":     -0.6,
	"verifiedContract":     -0.5,
	"openSourceCode":       -0.4,
	"auditedByFirm":        -0.5,
	"hasTimelocks":         -0.4,
	"ownerVerified":        -0.5,
	"hasRenounceOwnership": -0.4,
	"gasOptimized":         -0.3,
	"liquidityRatio":       -1.5,
	"launchFairness":       -1.5,
}

const (
	bias        = -1.2
	temperature = 2.0
)

// LogisticScorer is the default model: a logistic layer over a fixed
// weighted subset of the feature vector.
type LogisticScorer struct{}

// NewLogisticScorer creates the default scorer.
func NewLogisticScorer() *LogisticScorer {
	return &LogisticScorer{}
}

// Infer computes the risk probability and a confidence estimate.
func (s *LogisticScorer) Infer(ctx context.Context, v features.Vector) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	default:
	}

	z := bias
	for name, w := range riskWeights {
		z += w * v[name]
	}
	score := sigmoid(z / temperature)

	// Predictions near either end are more certain than mid-band ones.
	confidence := 0.75 + 0.2*math.Abs(2*score-1)

	return Outcome{Score: score, Confidence: confidence}, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
