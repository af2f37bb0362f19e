package scoring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistory_RecordIsSymmetric(t *testing.T) {
	h := NewHistory(DefaultHistorySize)
	h.Record("a", "b")

	assert.True(t, h.Contains("a", "b"))
	assert.True(t, h.Contains("b", "a"))
	assert.False(t, h.Contains("a", "c"))
}

func TestHistory_Wraparound(t *testing.T) {
	h := NewHistory(DefaultHistorySize)

	// 12 partners; only the last 10 are kept.
	for i := 1; i <= 12; i++ {
		h.Record("a", fmt.Sprintf("p%d", i))
	}

	recent := h.Recent("a")
	assert.Len(t, recent, DefaultHistorySize)
	for i, id := range recent {
		assert.Equal(t, fmt.Sprintf("p%d", i+3), id)
	}
	assert.False(t, h.Contains("a", "p1"))
	assert.False(t, h.Contains("a", "p2"))
	assert.True(t, h.Contains("a", "p3"))
}

func TestHistory_RecentUnknownOwner(t *testing.T) {
	h := NewHistory(DefaultHistorySize)
	recent := h.Recent("nobody")
	assert.NotNil(t, recent)
	assert.Empty(t, recent)
}

func TestHistory_Forget(t *testing.T) {
	h := NewHistory(DefaultHistorySize)
	h.Record("a", "b")
	h.Forget("a")

	assert.False(t, h.Contains("a", "b"))
	// b still remembers a until b forgets too.
	assert.True(t, h.Contains("b", "a"))
}

func TestHistory_ZeroSizeDisabled(t *testing.T) {
	h := NewHistory(0)
	h.Record("a", "b")
	assert.False(t, h.Contains("a", "b"))
	assert.Empty(t, h.Recent("a"))
}

func TestHistory_ConcurrentAccess(t *testing.T) {
	h := NewHistory(DefaultHistorySize)

	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := 0; m < 20; m++ {
				h.Record("hub", fmt.Sprintf("g%d-%d", id, m))
				_ = h.Contains("hub", "x")
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, h.Recent("hub"), DefaultHistorySize)
}
