package payment

import (
	"context"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rugdetector/rugdetector/internal/chain"
	"github.com/rugdetector/rugdetector/internal/replay"
)

const (
	testSubject = "0x1111111111111111111111111111111111111111"
	testPayer   = "0x2222222222222222222222222222222222222222"
)

var testHash = strings.ToLower("0x" + strings.Repeat("ab", 32))

// fakeConfirmer implements Confirmer.
type fakeConfirmer struct {
	conf  *chain.Confirmation
	err   error
	calls int
}

func (f *fakeConfirmer) ConfirmPayment(ctx context.Context, txHash string, minAmount *big.Int) (*chain.Confirmation, error) {
	f.calls++
	return f.conf, f.err
}

func confirmed(amount int64) *chain.Confirmation {
	return &chain.Confirmation{
		Outcome: chain.OutcomeConfirmed,
		From:    common.HexToAddress(testPayer),
		Amount:  big.NewInt(amount),
	}
}

func TestParse_OnChain(t *testing.T) {
	ev, err := Parse("tx_0x" + strings.ToUpper(testHash[2:]))
	require.NoError(t, err)
	assert.Equal(t, KindOnChain, ev.Kind)
	assert.Equal(t, testHash, ev.TxHash, "hash is lowercased")
	assert.Equal(t, testHash, ev.Key())
}

func TestParse_Demo(t *testing.T) {
	ev, err := Parse("demo_abc123")
	require.NoError(t, err)
	assert.Equal(t, KindDemo, ev.Kind)
	assert.Equal(t, "demo_abc123", ev.Token)
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"",
		"tx_abc",
		"tx_0x1234",                        // too short
		"tx_" + testHash + "ff",            // too long
		"tx_0x" + strings.Repeat("zz", 32), // not hex
		"demo_",                            // empty token
		"demo_" + strings.Repeat("x", 100), // token too long
		"payment_123",                      // unknown prefix
		strings.TrimPrefix(testHash, "0x"), // bare hash
	}
	for _, raw := range cases {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformedEvidence, "input %q", raw)
	}
}

func TestParseHeader_JSON(t *testing.T) {
	ev, err := ParseHeader(`{"tx_hash":"` + testHash + `"}`)
	require.NoError(t, err)
	assert.Equal(t, KindOnChain, ev.Kind)
	assert.Equal(t, testHash, ev.TxHash)
}

func TestParseHeader_Base64(t *testing.T) {
	body := `{"payload":{"transaction":"` + testHash + `"}}`
	ev, err := ParseHeader(base64.StdEncoding.EncodeToString([]byte(body)))
	require.NoError(t, err)
	assert.Equal(t, KindOnChain, ev.Kind)
	assert.Equal(t, testHash, ev.TxHash)
}

func TestParseHeader_PaymentID(t *testing.T) {
	ev, err := ParseHeader(`{"payment_id":"demo_header"}`)
	require.NoError(t, err)
	assert.Equal(t, KindDemo, ev.Kind)
}

func TestParseHeader_Malformed(t *testing.T) {
	for _, h := range []string{"", "not json", "{}", `{"tx_hash":"0x123"}`} {
		_, err := ParseHeader(h)
		assert.ErrorIs(t, err, ErrMalformedEvidence, "header %q", h)
	}
}

func newVerifier(t *testing.T, fc Confirmer) (*Verifier, *replay.Cache) {
	t.Helper()
	cache := replay.NewCache(time.Hour, 0)
	t.Cleanup(cache.Close)
	return NewVerifier(cache, fc, big.NewInt(50_000)), cache
}

func TestVerify_DemoBypassesEverything(t *testing.T) {
	fc := &fakeConfirmer{}
	v, cache := newVerifier(t, fc)

	ev, _ := Parse("demo_abc")
	for i := 0; i < 5; i++ {
		got, err := v.Verify(context.Background(), ev, testSubject)
		require.NoError(t, err, "demo evidence never replays")
		assert.True(t, got.Demo)
	}
	assert.Zero(t, fc.calls, "demo must not hit the chain")
	assert.Zero(t, cache.Len(), "demo must not appear in the replay cache")
}

func TestVerify_OnChainConfirmed(t *testing.T) {
	fc := &fakeConfirmer{conf: confirmed(60_000)}
	v, cache := newVerifier(t, fc)

	ev, _ := Parse("tx_" + testHash)
	got, err := v.Verify(context.Background(), ev, testSubject)
	require.NoError(t, err)
	assert.False(t, got.Demo)
	assert.Equal(t, testHash, got.TxHash)
	assert.Equal(t, common.HexToAddress(testPayer).Hex(), got.Payer)
	assert.Equal(t, int64(60_000), got.Amount.Int64())

	rec, ok := cache.Peek(testHash)
	assert.True(t, ok, "confirmed payment stays consumed")
	assert.Equal(t, testSubject, rec.Subject)
}

func TestVerify_Replay(t *testing.T) {
	fc := &fakeConfirmer{conf: confirmed(60_000)}
	v, _ := newVerifier(t, fc)

	ev, _ := Parse("tx_" + testHash)
	_, err := v.Verify(context.Background(), ev, testSubject)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), ev, testSubject)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	assert.Equal(t, 1, fc.calls, "replayed evidence must not reach the chain")
}

func TestVerify_NegativeConfirmationRollsBack(t *testing.T) {
	fc := &fakeConfirmer{conf: &chain.Confirmation{Outcome: chain.OutcomeInsufficientAmount}}
	v, cache := newVerifier(t, fc)

	ev, _ := Parse("tx_" + testHash)
	_, err := v.Verify(context.Background(), ev, testSubject)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	var ce *ConfirmError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, chain.OutcomeInsufficientAmount, ce.Outcome)

	_, ok := cache.Peek(testHash)
	assert.False(t, ok, "failed verification must release the slot")

	// The identifier is still usable once the payment goes through.
	fc.conf = confirmed(60_000)
	_, err = v.Verify(context.Background(), ev, testSubject)
	assert.NoError(t, err)
}

func TestVerify_RPCErrorRollsBack(t *testing.T) {
	fc := &fakeConfirmer{err: errors.New("connection reset")}
	v, cache := newVerifier(t, fc)

	ev, _ := Parse("tx_" + testHash)
	_, err := v.Verify(context.Background(), ev, testSubject)
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, ok := cache.Peek(testHash)
	assert.False(t, ok, "transient RPC failure must not burn the payment")
}
