package pull

import (
	"sync"
	"time"
)

// batcher collects items posted by other workers and hands them to the
// owner in generation-numbered batches, amortizing cross-mailbox hops
// under load. When the queue goes from empty to non-empty a new generation
// starts and the flush callback is scheduled after the latency window;
// everything pushed before the owner pops belongs to the same generation.
type batcher[T any] struct {
	latency time.Duration
	onBatch func(generation int)

	mutex      sync.Mutex
	items      []T
	generation int
}

func newBatcher[T any](latency time.Duration, onBatch func(generation int)) *batcher[T] {
	return &batcher[T]{
		latency: latency,
		onBatch: onBatch,
	}
}

func (self *batcher[T]) push(item T) {
	self.mutex.Lock()
	self.items = append(self.items, item)
	scheduleFlush := len(self.items) == 1
	if scheduleFlush {
		self.generation += 1
	}
	generation := self.generation
	self.mutex.Unlock()

	if scheduleFlush {
		if self.latency <= 0 {
			self.onBatch(generation)
		} else {
			time.AfterFunc(self.latency, func() {
				self.onBatch(generation)
			})
		}
	}
}

// pop drains the batch for the given generation. A stale generation
// (already drained by an earlier pop) yields nil.
func (self *batcher[T]) pop(generation int) []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if generation != self.generation {
		return nil
	}
	items := self.items
	self.items = nil
	return items
}
