// Package block provides the bounded sample-block queues connecting the
// scheduler to its spectral and demodulation consumers.
package block

import (
	"sync/atomic"
)

// Queue is a bounded FIFO of sample blocks with one producer and one
// consumer. A block is owned by exactly one side at a time: the producer
// relinquishes ownership on Push, the consumer takes it on Pop and may hand
// the block back through Release for reuse. When the queue is full, Push
// drops the oldest unconsumed block and counts the drop, so a slow consumer
// can never stall the producer.
type Queue struct {
	blocks chan []complex128
	free   chan []complex128
	drops  uint64
}

// NewQueue returns a queue with the given depth.
func NewQueue(depth int) *Queue {
	return &Queue{
		blocks: make(chan []complex128, depth),
		free:   make(chan []complex128, depth+1),
	}
}

// Take returns a free block of the given length for the producer to fill,
// reusing a released block when one is available.
func (q *Queue) Take(length int) []complex128 {
	select {
	case block := <-q.free:
		if cap(block) >= length {
			return block[:length]
		}
	default:
	}
	return make([]complex128, length)
}

// Push hands the given block over to the consumer. It never blocks: when the
// queue is full, the oldest unconsumed block is dropped and counted.
func (q *Queue) Push(block []complex128) {
	for {
		select {
		case q.blocks <- block:
			return
		default:
		}
		select {
		case dropped := <-q.blocks:
			atomic.AddUint64(&q.drops, 1)
			q.Release(dropped)
		default:
		}
	}
}

// Pop takes ownership of the next block in production order. It blocks until
// a block is available or stop is closed. The second return value is false
// when the pop was aborted by stop.
func (q *Queue) Pop(stop <-chan struct{}) ([]complex128, bool) {
	select {
	case block := <-q.blocks:
		return block, true
	case <-stop:
		return nil, false
	}
}

// Release returns a consumed block for reuse. Blocks beyond the free list's
// capacity are left to the garbage collector.
func (q *Queue) Release(block []complex128) {
	select {
	case q.free <- block:
	default:
	}
}

// Drops returns the number of blocks dropped because the queue was full.
func (q *Queue) Drops() uint64 {
	return atomic.LoadUint64(&q.drops)
}
