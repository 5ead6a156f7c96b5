package scheduler

import (
	"fmt"

	"github.com/getpup/searchsync"
)

// generationBatches holds the batches of one generation in arrival order.
type generationBatches[T any] struct {
	generationID searchsync.GenerationID
	priority     searchsync.Priority
	batches      []*Batch[T]
	// index is the position in the pending heap, -1 while not queued.
	index int
}

func newGenerationBatches[T any](first *Batch[T]) *generationBatches[T] {
	return &generationBatches[T]{
		generationID: first.GenerationID,
		priority:     first.Priority,
		batches:      []*Batch[T]{first},
		index:        -1,
	}
}

func (g *generationBatches[T]) head() *Batch[T] {
	return g.batches[0]
}

// add appends b to the generation. It rejects a batch whose priority differs
// from the generation's or whose sequence is not after the last one.
func (g *generationBatches[T]) add(b *Batch[T]) error {
	if b.Priority != g.priority {
		return fmt.Errorf("batch priority %s does not match generation %s priority %s", b.Priority, g.generationID, g.priority)
	}
	if n := len(g.batches); n > 0 && b.Sequence <= g.batches[n-1].Sequence {
		return fmt.Errorf("batch sequence %d is not after %d for generation %s", b.Sequence, g.batches[n-1].Sequence, g.generationID)
	}
	g.batches = append(g.batches, b)
	return nil
}

func (g *generationBatches[T]) removeHead() {
	g.batches[0] = nil
	g.batches = g.batches[1:]
}

// generationHeap orders generations by priority, then by the sequence of
// their oldest batch. It implements heap.Interface.
type generationHeap[T any] []*generationBatches[T]

func (h generationHeap[T]) Len() int { return len(h) }

func (h generationHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].head().Sequence < h[j].head().Sequence
}

func (h generationHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *generationHeap[T]) Push(x any) {
	g := x.(*generationBatches[T])
	g.index = len(*h)
	*h = append(*h, g)
}

func (h *generationHeap[T]) Pop() any {
	old := *h
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	g.index = -1
	*h = old[:n-1]
	return g
}
