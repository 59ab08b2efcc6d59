package nonce_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/x402rail/facilitator/facilitator/nonce"
)

func TestArbiter_HasAndCheckAndMark(t *testing.T) {
	a := nonce.NewArbiter()

	assert.False(t, a.Has("eip7702", "n1"))
	assert.True(t, a.CheckAndMark("eip7702", "n1"))
	assert.True(t, a.Has("eip7702", "n1"))
	assert.False(t, a.CheckAndMark("eip7702", "n1"))
}

func TestArbiter_NamespacesDoNotCollide(t *testing.T) {
	a := nonce.NewArbiter()

	assert.True(t, a.CheckAndMark("eip7702", "shared"))
	assert.True(t, a.CheckAndMark("exact", "shared"))
	assert.False(t, a.CheckAndMark("eip7702", "shared"))
}

func TestArbiter_ConcurrentCheckAndMark(t *testing.T) {
	a := nonce.NewArbiter()

	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = a.CheckAndMark("exact", "race")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one racer should win check-and-mark")
}
