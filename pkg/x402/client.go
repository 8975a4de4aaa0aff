package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PayFunc settles a challenge out of band and returns payment evidence,
// either a "tx_0x..." hash reference or a "demo_" token. The client
// never holds keys or signs transactions itself.
type PayFunc func(ctx context.Context, ch *Challenge) (string, error)

// Client calls the risk analysis endpoint and handles the x402 flow.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pay        PayFunc

	// OnChallenge is called with each challenge before Pay runs.
	OnChallenge func(ch *Challenge)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithPayFunc enables automatic settlement of 402 challenges.
func WithPayFunc(pay PayFunc) ClientOption {
	return func(c *Client) { c.pay = pay }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type checkRequest struct {
	PaymentID       string `json:"payment_id,omitempty"`
	ContractAddress string `json:"contract_address"`
	Blockchain      string `json:"blockchain,omitempty"`
}

// Check analyzes a contract. With no payment evidence the first attempt
// draws a 402 challenge; when a PayFunc is configured the client settles
// it and retries once with the evidence attached. Without a PayFunc the
// challenge is returned as an *Error, inspect it with IsPaymentRequired.
func (c *Client) Check(ctx context.Context, address, chain string) (*Analysis, error) {
	return c.check(ctx, address, chain, "")
}

// CheckWithEvidence analyzes a contract using evidence already in hand,
// skipping the challenge round trip.
func (c *Client) CheckWithEvidence(ctx context.Context, address, chain, evidence string) (*Analysis, error) {
	if evidence == "" {
		return nil, fmt.Errorf("empty payment evidence")
	}
	return c.check(ctx, address, chain, evidence)
}

func (c *Client) check(ctx context.Context, address, chain, evidence string) (*Analysis, error) {
	analysis, err := c.post(ctx, address, chain, evidence)
	if err == nil {
		return analysis, nil
	}

	ch, ok := IsPaymentRequired(err)
	if !ok || c.pay == nil || evidence != "" {
		return nil, err
	}

	if c.OnChallenge != nil {
		c.OnChallenge(ch)
	}
	evidence, payErr := c.pay(ctx, ch)
	if payErr != nil {
		return nil, fmt.Errorf("settle challenge: %w", payErr)
	}
	return c.post(ctx, address, chain, evidence)
}

func (c *Client) post(ctx context.Context, address, chain, evidence string) (*Analysis, error) {
	body, err := json.Marshal(checkRequest{
		PaymentID:       evidence,
		ContractAddress: address,
		Blockchain:      chain,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/check", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	env, err := ParseEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if !env.Success || env.Data == nil {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Code:       env.ErrorCode,
			Message:    env.Error,
			Challenge:  env.Payment,
		}
	}
	return env.Data, nil
}
