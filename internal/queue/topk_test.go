package queue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopK_MatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	items := make([]Item, 500)
	for i := range items {
		// Coarse scores force ties.
		items[i] = Item{Index: i, Score: float32(rng.Intn(50))}
	}

	q := NewTopK(20)
	for _, it := range items {
		q.Offer(it)
	}
	assert.Equal(t, 20, q.Len())

	want := append([]Item(nil), items...)
	sort.Slice(want, func(i, j int) bool { return better(want[i], want[j]) })
	assert.Equal(t, want[:20], q.Sorted())
	assert.Zero(t, q.Len())
}

func TestTopK_Small(t *testing.T) {
	q := NewTopK(5)
	q.Offer(Item{Index: 3, Score: -1})
	q.Offer(Item{Index: 1, Score: 2})
	assert.Equal(t, []Item{{Index: 1, Score: 2}, {Index: 3, Score: -1}}, q.Sorted())

	z := NewTopK(0)
	z.Offer(Item{Index: 1, Score: 1})
	assert.Empty(t, z.Sorted())
}
