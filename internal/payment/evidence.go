package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrMalformedEvidence marks payment evidence that matches neither
// accepted shape. It never consumes payment state.
var ErrMalformedEvidence = errors.New("payment: malformed evidence")

// Kind tags the evidence variant.
type Kind int

const (
	KindDemo    Kind = iota // demo_<token>, bypasses cache and RPC
	KindOnChain             // tx_0x<64 hex>, must be confirmed on chain
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindDemo {
		return "demo"
	}
	return "onchain"
}

var (
	onChainRe = regexp.MustCompile(`^tx_(0x[0-9a-fA-F]{64})$`)
	demoRe    = regexp.MustCompile(`^demo_[A-Za-z0-9_-]{1,64}$`)
)

// Evidence is payment evidence parsed once at the edge. Downstream code
// dispatches on Kind instead of re-inspecting the raw string.
type Evidence struct {
	Kind   Kind
	Token  string // Demo token, including the demo_ prefix
	TxHash string // 0x-prefixed transaction hash, lowercased
}

// Key returns the replay-cache key for on-chain evidence.
func (e Evidence) Key() string {
	return e.TxHash
}

// Parse classifies a payment_id string. It accepts exactly two shapes:
// demo_<token> and tx_0x<64 hex chars>.
func Parse(raw string) (Evidence, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case demoRe.MatchString(raw):
		return Evidence{Kind: KindDemo, Token: raw}, nil
	case onChainRe.MatchString(raw):
		m := onChainRe.FindStringSubmatch(raw)
		return Evidence{Kind: KindOnChain, TxHash: strings.ToLower(m[1])}, nil
	default:
		return Evidence{}, ErrMalformedEvidence
	}
}

// headerPayload is the JSON carried in an X-Payment header. Wallet
// clients send either the raw JSON or its base64 encoding.
type headerPayload struct {
	Payload struct {
		Transaction string `json:"transaction"`
	} `json:"payload"`
	TxHash    string `json:"tx_hash"`
	PaymentID string `json:"payment_id"`
}

// ParseHeader normalizes X-Payment header evidence. The header carries
// JSON (optionally base64-encoded) naming a transaction hash or a
// payment_id in one of the accepted textual shapes.
func ParseHeader(header string) (Evidence, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Evidence{}, ErrMalformedEvidence
	}

	raw := []byte(header)
	if !strings.HasPrefix(header, "{") {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return Evidence{}, ErrMalformedEvidence
		}
		raw = decoded
	}

	var p headerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Evidence{}, ErrMalformedEvidence
	}

	switch {
	case p.PaymentID != "":
		return Parse(p.PaymentID)
	case p.TxHash != "":
		return Parse("tx_" + p.TxHash)
	case p.Payload.Transaction != "":
		return Parse("tx_" + p.Payload.Transaction)
	default:
		return Evidence{}, ErrMalformedEvidence
	}
}
