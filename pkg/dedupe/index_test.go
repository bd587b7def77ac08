package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_TryAccept(t *testing.T) {
	x := New(0)

	assert.True(t, x.TryAccept("1"))
	assert.False(t, x.TryAccept("1"))
	assert.True(t, x.TryAccept("2"))
	assert.Equal(t, 2, x.Size())
	assert.True(t, x.Contains("1"))
	assert.False(t, x.Contains("3"))
}

func TestIndex_TryAcceptIdempotent(t *testing.T) {
	x := New(4)
	require.True(t, x.TryAccept("42"))

	for i := 0; i < 100; i++ {
		assert.False(t, x.TryAccept("42"))
	}
	assert.Equal(t, 1, x.Size(), "repeated rejects must not mutate the index")
}

func TestIndex_EmptyIDIsAnID(t *testing.T) {
	x := New(0)
	assert.True(t, x.TryAccept(""))
	assert.False(t, x.TryAccept(""))
}

func TestIndex_ConcurrentStress(t *testing.T) {
	const (
		workers  = 16
		distinct = 500
		repeats  = 8
	)

	x := New(distinct)
	var accepted atomic.Int64
	perID := make([]atomic.Int32, distinct)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for r := 0; r < repeats; r++ {
				for i := 0; i < distinct; i++ {
					id := (i + offset) % distinct
					if x.TryAccept(fmt.Sprintf("id-%d", id)) {
						accepted.Add(1)
						perID[id].Add(1)
					}
				}
			}
		}(w * 31)
	}
	wg.Wait()

	assert.Equal(t, int64(distinct), accepted.Load())
	assert.Equal(t, distinct, x.Size())
	for id := range perID {
		assert.Equal(t, int32(1), perID[id].Load(), "id-%d accepted more than once", id)
	}
}

func TestIndex_Seed(t *testing.T) {
	x := New(0)

	added := x.Seed([]string{"a", "b", "a"})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, x.Size())

	assert.False(t, x.TryAccept("a"), "seeded ids are already seen")
	assert.True(t, x.TryAccept("c"))
	assert.Equal(t, 0, x.Seed([]string{"c"}))
}
