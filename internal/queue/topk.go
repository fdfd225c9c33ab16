// Package queue provides a bounded min-heap for selecting the k highest
// scoring items of a stream.
package queue

import "sort"

// Item is a scored example index.
type Item struct {
	Index int
	Score float32
}

// better reports whether a ranks above b: higher score first, then lower index.
func better(a, b Item) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Index < b.Index
}

// TopK keeps the k best items offered so far. The worst kept item sits at
// the root so each Offer is O(log k).
type TopK struct {
	k     int
	items []Item
}

// NewTopK returns an empty selector for k items.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, items: make([]Item, 0, k)}
}

// Len returns the number of kept items.
func (q *TopK) Len() int { return len(q.items) }

// Offer considers it for inclusion.
func (q *TopK) Offer(it Item) {
	if q.k == 0 {
		return
	}
	if len(q.items) < q.k {
		q.items = append(q.items, it)
		q.siftUp(len(q.items) - 1)
		return
	}
	if !better(it, q.items[0]) {
		return
	}
	q.items[0] = it
	q.siftDown(0)
}

// Sorted returns the kept items, best first. The selector is left empty.
func (q *TopK) Sorted() []Item {
	out := q.items
	q.items = nil
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// less orders the heap so the worst item is at the root.
func (q *TopK) less(i, j int) bool { return better(q.items[j], q.items[i]) }

func (q *TopK) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *TopK) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
