// Package zkml produces commitment-based proofs of model inference.
//
// The proof binds SHA-256 commitments over the feature vector and the
// inference outcome to a hash of the model artifact, in the Jolt/Atlas
// proof envelope shape. It demonstrates the commitment scheme, it is
// not a zero-knowledge proof of execution.
package zkml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rugdetector/rugdetector/internal/features"
	"github.com/rugdetector/rugdetector/internal/inference"
	"github.com/rugdetector/rugdetector/internal/metrics"
)

// Protocol identifies the proof envelope format.
const Protocol = "jolt-atlas-v1"

// Proof is a generated inference proof.
type Proof struct {
	ProofID          string `json:"proof_id"`
	Protocol         string `json:"protocol"`
	InputCommitment  string `json:"input_commitment"`
	OutputCommitment string `json:"output_commitment"`
	ModelHash        string `json:"model_hash"`
	Timestamp        int64  `json:"timestamp"`
	Verifiable       bool   `json:"verifiable"`
	ProofSizeBytes   int    `json:"proof_size_bytes"`

	// Verified is nil until the verification stage runs. False means
	// the verifier ran and rejected, or errored.
	Verified   *bool  `json:"verified,omitempty"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

// Prover generates and checks inference proofs.
type Prover interface {
	Generate(ctx context.Context, v features.Vector, out inference.Outcome) (*Proof, error)
	Verify(ctx context.Context, p *Proof, v features.Vector, out inference.Outcome) (bool, error)
}

// proofBody is the canonical signed body. Field order matches the
// sorted-key JSON the proof ID is computed over.
type proofBody struct {
	InputCommitment  string `json:"input_commitment"`
	ModelHash        string `json:"model_hash"`
	OutputCommitment string `json:"output_commitment"`
	Timestamp        int64  `json:"timestamp"`
}

// outcomePayload pins the serialized shape of the committed outcome.
type outcomePayload struct {
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// CommitmentProver is the default Prover.
type CommitmentProver struct {
	modelHash string
	now       func() time.Time
}

// Option configures a CommitmentProver.
type Option func(*CommitmentProver)

// WithClock overrides the timestamp source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(p *CommitmentProver) { p.now = now }
}

// NewCommitmentProver creates a prover bound to the model artifact at
// modelPath. A missing artifact yields the sentinel hash "no-model"
// rather than an error, proofs remain well-formed either way.
func NewCommitmentProver(modelPath string, opts ...Option) *CommitmentProver {
	p := &CommitmentProver{
		modelHash: hashModel(modelPath),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func hashModel(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "no-model"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Generate builds a proof over the vector and outcome.
func (p *CommitmentProver) Generate(ctx context.Context, v features.Vector, out inference.Outcome) (*Proof, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	inputCommitment, err := commit(v)
	if err != nil {
		metrics.ProofsGeneratedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("zkml: commit inputs: %w", err)
	}
	outputCommitment, err := commit(outcomePayload{Confidence: out.Confidence, Score: out.Score})
	if err != nil {
		metrics.ProofsGeneratedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("zkml: commit outputs: %w", err)
	}

	body := proofBody{
		InputCommitment:  inputCommitment,
		ModelHash:        p.modelHash,
		OutputCommitment: outputCommitment,
		Timestamp:        p.now().Unix(),
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		metrics.ProofsGeneratedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("zkml: marshal proof body: %w", err)
	}
	sum := sha256.Sum256(bodyBytes)

	metrics.ProofsGeneratedTotal.WithLabelValues("ok").Inc()
	return &Proof{
		ProofID:          hex.EncodeToString(sum[:]),
		Protocol:         Protocol,
		InputCommitment:  inputCommitment,
		OutputCommitment: outputCommitment,
		ModelHash:        p.modelHash,
		Timestamp:        body.Timestamp,
		Verifiable:       true,
		ProofSizeBytes:   len(bodyBytes),
	}, nil
}

// Verify recomputes the commitments and the proof ID from the claimed
// inputs and checks them against the proof.
func (p *CommitmentProver) Verify(ctx context.Context, proof *Proof, v features.Vector, out inference.Outcome) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if proof == nil || proof.Protocol != Protocol {
		return false, nil
	}

	inputCommitment, err := commit(v)
	if err != nil {
		return false, fmt.Errorf("zkml: commit inputs: %w", err)
	}
	if inputCommitment != proof.InputCommitment {
		return false, nil
	}

	outputCommitment, err := commit(outcomePayload{Confidence: out.Confidence, Score: out.Score})
	if err != nil {
		return false, fmt.Errorf("zkml: commit outputs: %w", err)
	}
	if outputCommitment != proof.OutputCommitment {
		return false, nil
	}

	if proof.ModelHash != p.modelHash {
		return false, nil
	}

	body := proofBody{
		InputCommitment:  inputCommitment,
		ModelHash:        proof.ModelHash,
		OutputCommitment: outputCommitment,
		Timestamp:        proof.Timestamp,
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("zkml: marshal proof body: %w", err)
	}
	sum := sha256.Sum256(bodyBytes)

	return hex.EncodeToString(sum[:]) == proof.ProofID, nil
}

// commit computes the SHA-256 of the canonical JSON encoding of v.
// Go serializes map keys in sorted order, which pins the encoding.
func commit(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
