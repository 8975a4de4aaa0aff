// Package x402 is a client for payment-gated risk analysis endpoints.
// It understands the 402 challenge document and the response envelope,
// and can retry a challenged request once payment evidence is available.
package x402

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Challenge is the payment-required document carried in 402 responses.
type Challenge struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Chain       string `json:"chain"`
	ChainID     int64  `json:"chainId"`
	Recipient   string `json:"recipient"`
	Contract    string `json:"contract"`
	Description string `json:"description,omitempty"`
}

// Analysis is the success payload of a completed check.
type Analysis struct {
	RiskScore         float64            `json:"riskScore"`
	RiskCategory      string             `json:"riskCategory"`
	Confidence        float64            `json:"confidence"`
	Features          map[string]float64 `json:"features"`
	Recommendation    string             `json:"recommendation"`
	ContractAddress   string             `json:"contract_address"`
	Blockchain        string             `json:"blockchain"`
	AnalysisTimestamp string             `json:"analysis_timestamp"`
	ZKML              json.RawMessage    `json:"zkml,omitempty"`
	Warnings          []string           `json:"warnings,omitempty"`
}

// Envelope is the uniform response shape the service returns.
type Envelope struct {
	Success   bool       `json:"success"`
	Data      *Analysis  `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	Payment   *Challenge `json:"payment,omitempty"`
}

// Error is a non-success envelope surfaced as a Go error. For 402
// responses Challenge carries the payment document.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Challenge  *Challenge
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// IsPaymentRequired reports whether err is a 402 carrying a challenge.
func IsPaymentRequired(err error) (*Challenge, bool) {
	var xe *Error
	if errors.As(err, &xe) && xe.StatusCode == http.StatusPaymentRequired && xe.Challenge != nil {
		return xe.Challenge, true
	}
	return nil, false
}

// ParseEnvelope decodes a service response body. The status code is
// recorded on the returned Error for non-success envelopes.
func ParseEnvelope(resp *http.Response) (*Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w (status %d)", err, resp.StatusCode)
	}
	return &env, nil
}

const maxResponseSize = 1 << 20
