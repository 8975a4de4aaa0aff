package replay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const subject = "0x1111111111111111111111111111111111111111"

func TestTryConsumeFirstUse(t *testing.T) {
	c := NewCache(time.Hour, 0)
	defer c.Close()

	assert.True(t, c.TryConsume("tx_0xabc", subject))
	assert.False(t, c.TryConsume("tx_0xabc", subject), "second use must be rejected")

	rec, ok := c.Peek("tx_0xabc")
	assert.True(t, ok)
	assert.Equal(t, subject, rec.Subject)
	assert.True(t, rec.ExpiresAt.After(rec.UsedAt))
}

func TestTryConsumeIndependentKeys(t *testing.T) {
	c := NewCache(time.Hour, 0)
	defer c.Close()

	assert.True(t, c.TryConsume("a", subject))
	assert.True(t, c.TryConsume("b", subject))
}

func TestTryConsumeExactlyOneWinner(t *testing.T) {
	c := NewCache(time.Hour, 0)
	defer c.Close()

	const n = 50
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.TryConsume("contested", subject) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins, "exactly one goroutine may consume a key")
}

func TestExpiryAllowsReuse(t *testing.T) {
	c := NewCache(20*time.Millisecond, 0)
	defer c.Close()

	assert.True(t, c.TryConsume("short", subject))
	assert.False(t, c.TryConsume("short", subject))

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Peek("short")
	assert.False(t, ok, "expired entry should read as free")
	assert.True(t, c.TryConsume("short", subject), "expired key is consumable again")
}

func TestReleaseRollsBack(t *testing.T) {
	c := NewCache(time.Hour, 0)
	defer c.Close()

	assert.True(t, c.TryConsume("tx_0xdef", subject))
	c.Release("tx_0xdef")

	_, ok := c.Peek("tx_0xdef")
	assert.False(t, ok)
	assert.True(t, c.TryConsume("tx_0xdef", subject), "released key is consumable again")
}

func TestPeekDoesNotConsume(t *testing.T) {
	c := NewCache(time.Hour, 0)
	defer c.Close()

	_, ok := c.Peek("never-used")
	assert.False(t, ok)
	assert.True(t, c.TryConsume("never-used", subject), "Peek must not reserve the key")
}

func TestSweepRemovesExpired(t *testing.T) {
	c := NewCache(10*time.Millisecond, 20*time.Millisecond)
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.TryConsume(fmt.Sprintf("key-%d", i), subject)
	}
	assert.Equal(t, 10, c.Len())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, c.Len(), "sweeper should drop expired entries")
}

func TestCloseIdempotent(t *testing.T) {
	c := NewCache(time.Hour, 0)
	c.Close()
	c.Close()
}
