package eventloop

import (
	"sync"
)

// chunkSize is the number of tasks per node in the ingress linked list.
const chunkSize = 128

// ingress is a chunked linked-list FIFO of posted tasks.
//
// Thread Safety: NOT thread-safe. The loop guards the shared instance with
// its mutex, and drains by taking the whole list in one step (see take),
// popping from the taken copy without the lock held.
type ingress struct { // betteralign:ignore
	head   *chunk
	tail   *chunk
	length int
}

// chunkPool prevents GC thrashing under high load.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked-list.
type chunk struct {
	tasks   [chunkSize]*task
	next    *chunk
	readPos int // first unread slot
	pos     int // first unused slot
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk returns an exhausted chunk to the pool, clearing task slots so
// the pool does not retain closures.
func returnChunk(c *chunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push adds a task to the tail.
func (q *ingress) Push(t *task) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}
	q.tail.tasks[q.tail.pos] = t
	q.tail.pos++
	q.length++
}

// Pop removes and returns the head task, or nil if empty.
func (q *ingress) Pop() *task {
	for q.head != nil {
		if q.head.readPos < q.head.pos {
			t := q.head.tasks[q.head.readPos]
			q.head.tasks[q.head.readPos] = nil
			q.head.readPos++
			q.length--
			return t
		}
		if q.head == q.tail {
			// keep the last chunk for reuse
			q.head.pos = 0
			q.head.readPos = 0
			return nil
		}
		old := q.head
		q.head = q.head.next
		returnChunk(old)
	}
	return nil
}

// Length returns the queue length.
func (q *ingress) Length() int {
	return q.length
}

// take moves every queued task into a new queue, leaving the receiver
// empty. O(1).
func (q *ingress) take() ingress {
	taken := *q
	*q = ingress{}
	return taken
}

// release returns any remaining chunks to the pool.
func (q *ingress) release() {
	for c := q.head; c != nil; {
		next := c.next
		returnChunk(c)
		c = next
	}
	*q = ingress{}
}
