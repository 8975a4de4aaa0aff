package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestFromContext_Default(t *testing.T) {
	// No logger in context falls back to slog default
	logger := FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	base := New("debug", "text")
	ctx := WithLogger(context.Background(), base)
	assert.Same(t, base, FromContext(ctx))
}

func TestL_AttachesRequestID(t *testing.T) {
	base := New("info", "json")
	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "abc")

	// L returns a derived logger; must not panic and must not be nil
	assert.NotNil(t, L(ctx))
}

func TestNew_LevelFallback(t *testing.T) {
	assert.NotNil(t, New("nonsense", "text"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"), "levels are case-insensitive")
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
