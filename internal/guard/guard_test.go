package guard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupCheckAndRecord(t *testing.T) {
	d := NewDedup(time.Minute, 100)
	assert.False(t, d.Seen("a"))
	assert.False(t, d.CheckAndRecord("a"))
	assert.True(t, d.CheckAndRecord("a"))
	assert.True(t, d.Seen("a"))

	first, ok := d.FirstSeen("a")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), first, time.Second)

	d.Record("b")
	d.Record("b")
	assert.Equal(t, 2, d.Len())
}

func TestDedupCountBound(t *testing.T) {
	d := NewDedup(time.Hour, 3)
	for _, id := range []string{"a", "b", "c", "d"} {
		d.Record(id)
	}
	assert.False(t, d.Seen("a"), "oldest id evicted")
	assert.True(t, d.Seen("b"))
	assert.True(t, d.Seen("d"))
	assert.Equal(t, 3, d.Len())
}

func TestDedupAgeBound(t *testing.T) {
	d := NewDedup(20*time.Millisecond, 10)
	d.Record("a")
	assert.Eventually(t, func() bool { return !d.Seen("a") }, time.Second, 5*time.Millisecond)
	assert.False(t, d.CheckAndRecord("a"), "expired ids can be recorded again")
}

func TestDedupReRecordSurvivesStaleRingSlot(t *testing.T) {
	d := NewDedup(50*time.Millisecond, 3)
	assert.False(t, d.CheckAndRecord("a"))

	time.Sleep(80 * time.Millisecond)
	require.False(t, d.Seen("a"))

	assert.False(t, d.CheckAndRecord("b"))
	assert.False(t, d.CheckAndRecord("c"))
	// "a" aged out and is recorded again; its old slot is the one overwritten
	assert.False(t, d.CheckAndRecord("a"))
	assert.True(t, d.Seen("a"))
	assert.True(t, d.CheckAndRecord("a"))

	// the count bound still evicts the fresh entry once its own slot is reused
	d.Record("d")
	d.Record("e")
	d.Record("f")
	assert.False(t, d.Seen("a"))
}

func TestDedupConcurrentCheckAndRecordAdmitsOnce(t *testing.T) {
	d := NewDedup(time.Minute, 1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.CheckAndRecord("same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}

func TestRateLimiterPerPeer(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("peer-a"))
	assert.True(t, rl.Allow("peer-a"))
	assert.False(t, rl.Allow("peer-a"), "burst exhausted")
	assert.True(t, rl.Allow("peer-b"), "buckets are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("peer-a"), "refilled after one second")
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("p"))
	}
}

func TestRateLimiterEvictsIdlePeers(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(10, 10)
	rl.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("peer-%d", i))
	}
	now = now.Add(time.Minute)
	rl.Allow("peer-0")

	now = now.Add(rl.idle - time.Second)
	assert.Equal(t, 4, rl.Evict())
	assert.Equal(t, 1, rl.Len())
}
