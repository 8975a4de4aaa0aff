// Package chain confirms USDC payments against transaction receipts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/rugdetector/rugdetector/internal/circuitbreaker"
	"github.com/rugdetector/rugdetector/internal/health"
	"github.com/rugdetector/rugdetector/internal/retry"
	"github.com/rugdetector/rugdetector/internal/usdc"
)

var (
	ErrRPCConnection  = errors.New("chain: RPC connection failed")
	ErrRPCUnavailable = errors.New("chain: RPC circuit open")
	ErrInvalidConfig  = errors.New("chain: invalid config")
)

// RPCError wraps an RPC failure with the operation and transaction context.
type RPCError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *RPCError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Outcome classifies the result of confirming a payment transaction.
type Outcome int

const (
	OutcomeConfirmed          Outcome = iota // Transfer found, amount sufficient
	OutcomeNotFound                          // No receipt for the hash
	OutcomeReverted                          // Transaction mined but reverted
	OutcomeWrongToken                        // No USDC Transfer logs in the receipt
	OutcomeWrongRecipient                    // USDC moved, but not to the service address
	OutcomeInsufficientAmount                // Paid the service, but below the minimum
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeReverted:
		return "reverted"
	case OutcomeWrongToken:
		return "wrong_token"
	case OutcomeWrongRecipient:
		return "wrong_recipient"
	case OutcomeInsufficientAmount:
		return "insufficient_amount"
	default:
		return "unknown"
	}
}

// Confirmation is the parsed result of a payment check.
type Confirmation struct {
	Outcome Outcome
	From    common.Address
	Amount  *big.Int // Smallest-unit USDC actually received, nil unless usable
}

// ERC20 Transfer event signature, Keccak-256 of Transfer(address,address,uint256).
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// ERC20 minimal ABI for balanceOf reads.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	breakerKey          = "rpc"
	receiptRetries      = 3
	receiptRetryBackoff = 500 * time.Millisecond
)

// Config holds the chain connection parameters.
type Config struct {
	RPCURL       string
	ChainID      int64
	USDCContract string
	Recipient    string // Service address payments must land on
}

// Verifier confirms USDC payments by reading transaction receipts over
// RPC. All RPC calls pass through a circuit breaker so a dead endpoint
// fails fast instead of eating the request timeout every time.
type Verifier struct {
	client       EthClient
	chainID      *big.Int
	usdcContract common.Address
	recipient    common.Address
	usdcABI      abi.ABI
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClient injects an RPC client, used in tests.
func WithClient(c EthClient) Option {
	return func(v *Verifier) { v.client = c }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(v *Verifier) { v.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// New creates a Verifier, dialing cfg.RPCURL unless a client is injected.
func New(cfg Config, opts ...Option) (*Verifier, error) {
	if cfg.USDCContract == "" || cfg.Recipient == "" {
		return nil, fmt.Errorf("%w: contract and recipient are required", ErrInvalidConfig)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ERC20 ABI: %w", err)
	}

	v := &Verifier{
		chainID:      big.NewInt(cfg.ChainID),
		usdcContract: common.HexToAddress(cfg.USDCContract),
		recipient:    common.HexToAddress(cfg.Recipient),
		usdcABI:      parsedABI,
		breaker:      circuitbreaker.New(5, 30*time.Second),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL is required", ErrInvalidConfig)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		v.client = client
	}

	return v, nil
}

// Recipient returns the service address payments must be sent to.
func (v *Verifier) Recipient() string {
	return v.recipient.Hex()
}

// ConfirmPayment checks that txHash carries a USDC Transfer of at least
// minAmount to the service address. Receipt lookups are retried because
// a just-broadcast transaction may not be mined yet. A missing receipt
// after all retries is a verdict, not an error.
func (v *Verifier) ConfirmPayment(ctx context.Context, txHash string, minAmount *big.Int) (*Confirmation, error) {
	if !v.breaker.Allow(breakerKey) {
		return nil, ErrRPCUnavailable
	}

	hash := common.HexToHash(txHash)
	var receipt *types.Receipt

	err := retry.Do(ctx, receiptRetries, receiptRetryBackoff, func() error {
		var rerr error
		receipt, rerr = v.client.TransactionReceipt(ctx, hash)
		return rerr
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// The endpoint answered, it just has no such transaction.
			v.breaker.RecordSuccess(breakerKey)
			return &Confirmation{Outcome: OutcomeNotFound}, nil
		}
		v.breaker.RecordFailure(breakerKey)
		return nil, &RPCError{Op: "TransactionReceipt", TxHash: txHash, Err: err}
	}
	v.breaker.RecordSuccess(breakerKey)

	if receipt.Status == types.ReceiptStatusFailed {
		return &Confirmation{Outcome: OutcomeReverted}, nil
	}

	return v.parseTransfer(receipt, txHash, minAmount), nil
}

// parseTransfer scans receipt logs for a USDC Transfer to the recipient.
// Topics: [0] event signature, [1] from, [2] to; data is the amount.
func (v *Verifier) parseTransfer(receipt *types.Receipt, txHash string, minAmount *big.Int) *Confirmation {
	sawToken := false
	sawRecipient := false
	best := &Confirmation{}

	for _, lg := range receipt.Logs {
		if lg.Address != v.usdcContract {
			continue
		}
		if len(lg.Topics) < 3 || lg.Topics[0] != transferEventSig {
			// Approval and other token events also carry indexed
			// addresses; only Transfer moves funds.
			continue
		}
		sawToken = true

		to := common.HexToAddress(lg.Topics[2].Hex())
		if to != v.recipient {
			continue
		}
		sawRecipient = true

		amount := new(big.Int).SetBytes(lg.Data)
		if best.Amount == nil || amount.Cmp(best.Amount) > 0 {
			best.From = common.HexToAddress(lg.Topics[1].Hex())
			best.Amount = amount
		}
	}

	switch {
	case !sawToken:
		return &Confirmation{Outcome: OutcomeWrongToken}
	case !sawRecipient:
		return &Confirmation{Outcome: OutcomeWrongRecipient}
	case best.Amount.Cmp(minAmount) < 0:
		v.logger.Debug("payment below minimum",
			"tx", txHash,
			"paid", usdc.Format(best.Amount),
			"min", usdc.Format(minAmount))
		best.Outcome = OutcomeInsufficientAmount
		return best
	default:
		best.Outcome = OutcomeConfirmed
		return best
	}
}

// BalanceOf reads the USDC balance of addr.
func (v *Verifier) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	if !v.breaker.Allow(breakerKey) {
		return nil, ErrRPCUnavailable
	}

	data, err := v.usdcABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}

	result, err := v.client.CallContract(ctx, ethereum.CallMsg{
		To:   &v.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		v.breaker.RecordFailure(breakerKey)
		return nil, &RPCError{Op: "CallContract", Err: err}
	}
	v.breaker.RecordSuccess(breakerKey)

	return new(big.Int).SetBytes(result), nil
}

// HealthCheck probes the RPC endpoint and confirms the chain ID matches.
func (v *Verifier) HealthCheck(ctx context.Context) health.Status {
	st := health.Status{Name: "rpc", Healthy: true}

	id, err := v.client.NetworkID(ctx)
	if err != nil {
		v.breaker.RecordFailure(breakerKey)
		st.Healthy = false
		st.Detail = err.Error()
		return st
	}
	v.breaker.RecordSuccess(breakerKey)

	if id.Cmp(v.chainID) != 0 {
		st.Healthy = false
		st.Detail = fmt.Sprintf("chain ID mismatch: endpoint reports %s, configured %s", id, v.chainID)
	}
	return st
}

// Close releases the RPC client.
func (v *Verifier) Close() {
	if v.client != nil {
		v.client.Close()
	}
}
