package pull

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBatcherCoalesces(t *testing.T) {
	var mutex sync.Mutex
	batches := [][]int{}
	done := make(chan struct{}, 8)

	var b *batcher[int]
	b = newBatcher[int](10*time.Millisecond, func(generation int) {
		mutex.Lock()
		defer mutex.Unlock()
		batches = append(batches, b.pop(generation))
		done <- struct{}{}
	})

	b.push(1)
	b.push(2)
	b.push(3)
	<-done

	mutex.Lock()
	assert.Equal(t, 1, len(batches))
	assert.Equal(t, []int{1, 2, 3}, batches[0])
	mutex.Unlock()

	// a new generation starts after the queue drains
	b.push(4)
	<-done

	mutex.Lock()
	assert.Equal(t, 2, len(batches))
	assert.Equal(t, []int{4}, batches[1])
	mutex.Unlock()
}

func TestBatcherStaleGeneration(t *testing.T) {
	b := newBatcher[int](time.Hour, func(generation int) {})
	b.push(1)

	assert.Equal(t, []int(nil), b.pop(0))
	assert.Equal(t, []int{1}, b.pop(1))
	// drained
	assert.Equal(t, 0, len(b.pop(1)))
}

func TestBatcherZeroLatency(t *testing.T) {
	flushed := make(chan int, 1)
	b := newBatcher[int](0, func(generation int) {
		flushed <- generation
	})
	b.push(7)
	generation := <-flushed
	assert.Equal(t, []int{7}, b.pop(generation))
}
