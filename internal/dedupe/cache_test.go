// ABOUTME: Tests for the dedupe cache: TTL expiry, size bounds, concurrency
// ABOUTME: Verifies CheckAndMark atomicity under parallel replay attempts

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "alice|conv-1|ref-1", Key("alice", "conv-1", "ref-1"))
	assert.NotEqual(t, Key("a", "b", "c"), Key("a", "b", "d"))
}

func TestCheckAndMark_FirstNewThenDuplicate(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("k1"), "second sighting is")
	assert.False(t, c.CheckAndMark("k2"), "distinct key is independent")
}

func TestCheckAndMark_ExpiredEntryIsFresh(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.CheckAndMark("k"), "expired entry counts as unseen")
	assert.True(t, c.CheckAndMark("k"))
}

func TestCheckAndMark_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	c.CheckAndMark("c")
	c.CheckAndMark("d") // evicts a

	assert.False(t, c.CheckAndMark("a"), "oldest key was evicted")
	assert.True(t, c.CheckAndMark("d"), "newest key survives")
}

func TestCheckAndMark_ConcurrentReplays(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	const goroutines = 50
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("contested") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load(), "exactly one caller wins the mark")
}

func TestCheckAndMark_ConcurrentDistinctKeys(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n)
			assert.False(t, c.CheckAndMark(key))
			assert.True(t, c.CheckAndMark(key))
		}(i)
	}
	wg.Wait()
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
