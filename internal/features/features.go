// Package features extracts the 60-feature risk vector for a contract.
package features

import (
	"context"
	"math/rand"
	"strconv"
)

// Order is the canonical feature ordering the model was trained on.
// Vectors fed to inference and to the prover must follow it exactly.
var Order = []string{
	// Ownership
	"hasOwnershipTransfer", "hasRenounceOwnership", "ownerBalance", "ownerTransactionCount",
	"multipleOwners", "ownershipChangedRecently", "ownerContractAge", "ownerIsContract",
	"ownerBlacklisted", "ownerVerified",
	// Liquidity
	"hasLiquidityLock", "liquidityPoolSize", "liquidityRatio", "hasUniswapV2",
	"hasPancakeSwap", "liquidityLockedDays", "liquidityProvidedByOwner", "multiplePoolsExist",
	"poolCreatedRecently", "lowLiquidityWarning", "rugpullHistoryOnDEX", "slippageTooHigh",
	// Holders
	"holderCount", "holderConcentration", "top10HoldersPercent", "averageHoldingTime",
	"suspiciousHolderPatterns", "whaleCount", "holderGrowthRate", "dormantHolders",
	"newHoldersSpiking", "sellingPressure",
	// Code
	"hasHiddenMint", "hasPausableTransfers", "hasBlacklist", "hasWhitelist",
	"hasTimelocks", "complexityScore", "hasProxyPattern", "isUpgradeable",
	"hasExternalCalls", "hasSelfDestruct", "hasDelegateCall", "hasInlineAssembly",
	"verifiedContract", "auditedByFirm", "openSourceCode",
	// Transactions
	"avgDailyTransactions", "transactionVelocity", "uniqueInteractors", "suspiciousPatterns",
	"highFailureRate", "gasOptimized", "flashloanInteractions", "frontRunningDetected",
	// Age
	"contractAge", "lastActivityDays", "creationBlock", "deployedDuringBullMarket",
	"launchFairness",
}

// Vector is a named feature vector.
type Vector map[string]float64

// Ordered returns the values in canonical Order. Missing names read as 0.
func (v Vector) Ordered() []float64 {
	out := make([]float64, len(Order))
	for i, name := range Order {
		out[i] = v[name]
	}
	return out
}

// Extractor produces the feature vector for a contract.
type Extractor interface {
	Extract(ctx context.Context, address, chain string) (Vector, error)
}

// Simulated derives features deterministically from the address, so the
// same contract always yields the same analysis. The trailing hex of
// the address seeds a PRNG and picks a risk tier.
type Simulated struct{}

// NewSimulated creates the deterministic extractor.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Extract builds the full 60-feature vector.
func (s *Simulated) Extract(ctx context.Context, address, chain string) (Vector, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	seed := addressSeed(address)
	highRisk := seed%5 == 0
	mediumRisk := seed%3 == 0 && !highRisk

	rng := rand.New(rand.NewSource(int64(seed))) //nolint:gosec // deterministic on purpose
	v := make(Vector, len(Order))

	// Ownership
	v["hasOwnershipTransfer"] = flag(rng, 0.7)
	v["hasRenounceOwnership"] = pick(highRisk, 0, flag(rng, 0.5))
	v["ownerBalance"] = tiered(rng, highRisk, 0.7, 0.95, 0.0, 0.3)
	v["ownerTransactionCount"] = tiered(rng, highRisk, 100, 500, 5, 50)
	v["multipleOwners"] = flag(rng, 0.3)
	v["ownershipChangedRecently"] = pick(highRisk, 1, 0)
	v["ownerContractAge"] = tiered(rng, highRisk, 1, 30, 90, 365)
	v["ownerIsContract"] = flag(rng, 0.2)
	v["ownerBlacklisted"] = pick(highRisk, 1, 0)
	v["ownerVerified"] = pick(highRisk, 0, 1)

	// Liquidity
	v["hasLiquidityLock"] = pick(highRisk, 0, 1)
	v["liquidityPoolSize"] = tiered(rng, highRisk, 1_000, 10_000, 50_000, 500_000)
	v["liquidityRatio"] = tiered(rng, highRisk, 0.1, 0.3, 0.5, 0.8)
	v["hasUniswapV2"] = flag(rng, 0.5)
	v["hasPancakeSwap"] = flag(rng, 0.3)
	v["liquidityLockedDays"] = tiered(rng, highRisk, 0, 30, 180, 730)
	v["liquidityProvidedByOwner"] = tiered(rng, highRisk, 0.7, 1.0, 0.0, 0.3)
	v["multiplePoolsExist"] = flag(rng, 0.4)
	v["poolCreatedRecently"] = pick(highRisk, 1, 0)
	v["lowLiquidityWarning"] = pick(highRisk, 1, 0)
	v["rugpullHistoryOnDEX"] = pick(highRisk, flag(rng, 0.5), 0)
	v["slippageTooHigh"] = pick(highRisk, 1, 0)

	// Holders
	v["holderCount"] = tiered(rng, highRisk, 10, 200, 1_000, 50_000)
	v["holderConcentration"] = tiered(rng, highRisk, 0.6, 0.95, 0.1, 0.4)
	v["top10HoldersPercent"] = tiered(rng, highRisk, 0.7, 0.95, 0.2, 0.5)
	v["averageHoldingTime"] = tiered(rng, highRisk, 1, 14, 60, 365)
	v["suspiciousHolderPatterns"] = pick(highRisk, 1, 0)
	v["whaleCount"] = tiered(rng, highRisk, 5, 20, 0, 5)
	v["holderGrowthRate"] = uniform(rng, 0, 1)
	v["dormantHolders"] = uniform(rng, 0, 0.5)
	v["newHoldersSpiking"] = pick(highRisk, 1, flag(rng, 0.2))
	v["sellingPressure"] = tiered(rng, highRisk, 0.6, 0.9, 0.1, 0.4)

	// Code
	v["hasHiddenMint"] = pick(highRisk, 1, 0)
	v["hasPausableTransfers"] = pick(mediumRisk || highRisk, flag(rng, 0.6), 0)
	v["hasBlacklist"] = flag(rng, 0.3)
	v["hasWhitelist"] = flag(rng, 0.2)
	v["hasTimelocks"] = pick(highRisk, 0, 1)
	v["complexityScore"] = tiered(rng, highRisk, 0.7, 1.0, 0.2, 0.6)
	v["hasProxyPattern"] = flag(rng, 0.3)
	v["isUpgradeable"] = pick(highRisk, 1, flag(rng, 0.3))
	v["hasExternalCalls"] = flag(rng, 0.5)
	v["hasSelfDestruct"] = pick(highRisk, flag(rng, 0.5), 0)
	v["hasDelegateCall"] = flag(rng, 0.2)
	v["hasInlineAssembly"] = flag(rng, 0.3)
	v["verifiedContract"] = pick(highRisk, 0, 1)
	v["auditedByFirm"] = pick(highRisk, 0, flag(rng, 0.4))
	v["openSourceCode"] = pick(highRisk, 0, 1)

	// Transactions
	v["avgDailyTransactions"] = tiered(rng, highRisk, 10, 100, 500, 5_000)
	v["transactionVelocity"] = uniform(rng, 0, 1)
	v["uniqueInteractors"] = tiered(rng, highRisk, 5, 100, 500, 10_000)
	v["suspiciousPatterns"] = pick(highRisk, 1, 0)
	v["highFailureRate"] = pick(highRisk, 1, 0)
	v["gasOptimized"] = pick(highRisk, 0, 1)
	v["flashloanInteractions"] = pick(highRisk, flag(rng, 0.4), 0)
	v["frontRunningDetected"] = pick(highRisk, flag(rng, 0.3), 0)

	// Age
	v["contractAge"] = tiered(rng, highRisk, 1, 30, 180, 1_000)
	v["lastActivityDays"] = tiered(rng, highRisk, 30, 180, 0, 7)
	v["creationBlock"] = uniform(rng, 15_000_000, 20_000_000)
	v["deployedDuringBullMarket"] = flag(rng, 0.5)
	v["launchFairness"] = tiered(rng, highRisk, 0.0, 0.3, 0.6, 1.0)

	if mediumRisk {
		// Nudge the load-bearing signals into the middle band.
		v["holderConcentration"] = uniform(rng, 0.4, 0.6)
		v["liquidityRatio"] = uniform(rng, 0.3, 0.5)
		v["liquidityLockedDays"] = uniform(rng, 30, 180)
		v["complexityScore"] = uniform(rng, 0.5, 0.7)
		v["sellingPressure"] = uniform(rng, 0.4, 0.6)
		v["contractAge"] = uniform(rng, 30, 180)
	}

	return v, nil
}

// addressSeed folds the trailing hex of the address into a small seed.
func addressSeed(address string) uint64 {
	if len(address) < 8 {
		return 0
	}
	tail := address[len(address)-8:]
	n, err := strconv.ParseUint(tail, 16, 64)
	if err != nil {
		// Non-hex tails (e.g. Solana addresses) still need a stable seed.
		var h uint64
		for _, c := range tail {
			h = h*31 + uint64(c)
		}
		return h % 10_000
	}
	return n % 10_000
}

// RiskTier reports the tier the simulated extractor assigns to address.
// Exposed so the scorer and tests can agree on expectations.
func RiskTier(address string) string {
	seed := addressSeed(address)
	switch {
	case seed%5 == 0:
		return "high"
	case seed%3 == 0:
		return "medium"
	default:
		return "low"
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func tiered(rng *rand.Rand, risky bool, riskLo, riskHi, safeLo, safeHi float64) float64 {
	if risky {
		return uniform(rng, riskLo, riskHi)
	}
	return uniform(rng, safeLo, safeHi)
}

func flag(rng *rand.Rand, p float64) float64 {
	if rng.Float64() < p {
		return 1
	}
	return 0
}

func pick(cond bool, ifTrue, ifFalse float64) float64 {
	if cond {
		return ifTrue
	}
	return ifFalse
}
