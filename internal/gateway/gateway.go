// Package gateway implements the x402 request state machine: parse the
// evidence, challenge when there is none, verify and admit otherwise,
// and shape every outcome into the response envelope.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rugdetector/rugdetector/internal/features"
	"github.com/rugdetector/rugdetector/internal/logging"
	"github.com/rugdetector/rugdetector/internal/payment"
	"github.com/rugdetector/rugdetector/internal/pipeline"
	"github.com/rugdetector/rugdetector/internal/ratelimit"
	"github.com/rugdetector/rugdetector/internal/validation"
)

// Machine-readable error codes carried in the envelope.
const (
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeInvalidAddress            = "INVALID_ADDRESS"
	CodeUnsupportedChain          = "UNSUPPORTED_CHAIN"
	CodeMalformedEvidence         = "MALFORMED_PAYMENT_EVIDENCE"
	CodePaymentRequired           = "PAYMENT_REQUIRED"
	CodePaymentAlreadyUsed        = "PAYMENT_ALREADY_USED"
	CodePaymentVerificationFailed = "PAYMENT_VERIFICATION_FAILED"
	CodeRateLimitExceeded         = "RATE_LIMIT_EXCEEDED"
	CodeAnalysisFailed            = "ANALYSIS_FAILED"
)

// CheckRequest is the analysis request body.
type CheckRequest struct {
	PaymentID       string `json:"payment_id"`
	ContractAddress string `json:"contract_address"`
	Blockchain      string `json:"blockchain"`
}

// Challenge is the 402 payment-required document.
type Challenge struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Chain       string `json:"chain"`
	ChainID     int64  `json:"chainId"`
	Recipient   string `json:"recipient"`
	Contract    string `json:"contract"`
	Description string `json:"description,omitempty"`
}

// FeatureMap serializes in the canonical extraction order instead of
// Go's alphabetical map order, so the API emits features in the same
// sequence the model and prover consumed them. Names outside the
// canonical list come last, alphabetically.
type FeatureMap map[string]float64

func (m FeatureMap) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(m))
	for _, name := range features.Order {
		if _, ok := m[name]; ok {
			names = append(names, name)
		}
	}
	if len(names) < len(m) {
		canonical := make(map[string]bool, len(names))
		for _, name := range names {
			canonical[name] = true
		}
		extras := make([]string, 0, len(m)-len(names))
		for name := range m {
			if !canonical[name] {
				extras = append(extras, name)
			}
		}
		sort.Strings(extras)
		names = append(names, extras...)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(m[name])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Analysis is the success payload.
type Analysis struct {
	RiskScore         float64    `json:"riskScore"`
	RiskCategory      string     `json:"riskCategory"`
	Confidence        float64    `json:"confidence"`
	Features          FeatureMap `json:"features"`
	Recommendation    string     `json:"recommendation"`
	ContractAddress   string     `json:"contract_address"`
	Blockchain        string     `json:"blockchain"`
	AnalysisTimestamp string     `json:"analysis_timestamp"`
	ZKML              any        `json:"zkml,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
}

// Envelope is the uniform response shape.
type Envelope struct {
	Success   bool       `json:"success"`
	Data      *Analysis  `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	Payment   *Challenge `json:"payment,omitempty"`
}

// Verifier is the payment collaborator.
type Verifier interface {
	Verify(ctx context.Context, ev payment.Evidence, subject string) (*payment.Verified, error)
}

// Runner is the pipeline collaborator.
type Runner interface {
	Run(ctx context.Context, address, chain string) (*pipeline.Result, error)
}

// Gateway handles the paid analysis endpoint.
type Gateway struct {
	verifier  Verifier
	runner    Runner
	limiter   *ratelimit.Limiter
	challenge Challenge
	logger    *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway. The challenge document is static, it describes
// the service's price and settlement details.
func New(verifier Verifier, runner Runner, limiter *ratelimit.Limiter, challenge Challenge, opts ...Option) *Gateway {
	g := &Gateway{
		verifier:  verifier,
		runner:    runner,
		limiter:   limiter,
		challenge: challenge,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HandleCheck is POST /check. Each request walks the state machine:
// received, then either rejected, challenged, or admitted into the
// pipeline.
func (g *Gateway) HandleCheck(c *gin.Context) {
	log := logging.L(c.Request.Context())

	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusBadRequest, CodeInvalidRequest, "request body must be valid JSON")
		return
	}

	chainName, ok := validation.NormalizeChain(req.Blockchain)
	if !ok {
		reject(c, http.StatusUnprocessableEntity, CodeUnsupportedChain,
			"unsupported blockchain: "+req.Blockchain)
		return
	}
	if !validation.IsValidAddress(chainName, req.ContractAddress) {
		reject(c, http.StatusUnprocessableEntity, CodeInvalidAddress,
			"invalid contract address for "+chainName)
		return
	}

	ev, ok, err := g.evidence(c, &req)
	if err != nil {
		reject(c, http.StatusBadRequest, CodeMalformedEvidence, "payment evidence is malformed")
		return
	}
	if !ok {
		// No evidence at all: issue the challenge, not a rejection.
		challenge := g.challenge
		c.JSON(http.StatusPaymentRequired, Envelope{
			Success:   false,
			Error:     "payment required",
			ErrorCode: CodePaymentRequired,
			Payment:   &challenge,
		})
		return
	}

	// On-chain verification costs an RPC call, so it has its own budget.
	if ev.Kind == payment.KindOnChain && !g.limiter.Admit(c.ClientIP(), ratelimit.ClassPayment) {
		reject(c, http.StatusTooManyRequests, CodeRateLimitExceeded,
			"too many payment verifications, slow down")
		return
	}

	verified, err := g.verifier.Verify(c.Request.Context(), ev, req.ContractAddress)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrAlreadyUsed):
			reject(c, http.StatusPaymentRequired, CodePaymentAlreadyUsed,
				"payment has already been used")
		case errors.Is(err, payment.ErrVerificationFailed):
			reject(c, http.StatusPaymentRequired, CodePaymentVerificationFailed,
				"payment could not be verified")
		default:
			log.Error("payment verification error", "error", err)
			reject(c, http.StatusPaymentRequired, CodePaymentVerificationFailed,
				"payment could not be verified")
		}
		return
	}

	result, err := g.runner.Run(c.Request.Context(), req.ContractAddress, chainName)
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			log.Error("pipeline stage failed", "stage", se.Stage, "error", se.Err)
		} else {
			log.Error("pipeline failed", "error", err)
		}
		reject(c, http.StatusBadGateway, CodeAnalysisFailed, "analysis pipeline failed")
		return
	}

	log.Info("analysis complete",
		"address", req.ContractAddress,
		"chain", chainName,
		"category", result.Category,
		"demo", verified.Demo)

	c.JSON(http.StatusOK, Envelope{Success: true, Data: buildAnalysis(&req, chainName, result)})
}

// evidence pulls payment evidence from the body or the X-Payment
// header. ok=false with nil error means no evidence was supplied.
func (g *Gateway) evidence(c *gin.Context, req *CheckRequest) (payment.Evidence, bool, error) {
	if req.PaymentID != "" {
		ev, err := payment.Parse(req.PaymentID)
		return ev, true, err
	}
	if header := c.GetHeader("X-Payment"); header != "" {
		ev, err := payment.ParseHeader(header)
		return ev, true, err
	}
	return payment.Evidence{}, false, nil
}

func buildAnalysis(req *CheckRequest, chainName string, result *pipeline.Result) *Analysis {
	a := &Analysis{
		RiskScore:         result.Score,
		RiskCategory:      result.Category,
		Confidence:        result.Confidence,
		Features:          FeatureMap(result.Features),
		Recommendation:    result.Recommendation,
		ContractAddress:   req.ContractAddress,
		Blockchain:        chainName,
		AnalysisTimestamp: result.Timestamp.Format(time.RFC3339),
	}
	if result.Proof != nil {
		a.ZKML = result.Proof
	}
	if result.VerificationWarning != "" {
		a.Warnings = []string{result.VerificationWarning}
	}
	return a
}

func reject(c *gin.Context, status int, code, msg string) {
	c.JSON(status, Envelope{Success: false, Error: msg, ErrorCode: code})
}

// Discovery describes the service for GET /.well-known/ai-service.json.
type Discovery struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Payment     Challenge `json:"payment"`
	Endpoints   []string  `json:"endpoints"`
}

// HandleDiscovery serves the service-discovery document.
func (g *Gateway) HandleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, Discovery{
		Name:        "rugdetector",
		Version:     "2.0.0",
		Description: "Payment-gated smart contract risk analysis with zkML proofs",
		Payment:     g.challenge,
		Endpoints:   []string{"POST /check", "GET /health", "GET /.well-known/ai-service.json"},
	})
}
