package eventloop

import (
	"testing"
)

// TestIngress_ChunkTransition verifies FIFO order across chunk boundaries.
func TestIngress_ChunkTransition(t *testing.T) {
	const total = chunkSize*3 + 5

	var q ingress
	tasks := make([]*task, total)
	for i := range tasks {
		tasks[i] = &task{}
		q.Push(tasks[i])
	}
	if q.Length() != total {
		t.Fatalf("Queue length mismatch. Expected %d, got %d", total, q.Length())
	}

	for i := range total {
		got := q.Pop()
		if got != tasks[i] {
			t.Fatalf("Out of order at index %d", i)
		}
	}
	if q.Pop() != nil {
		t.Fatal("Queue should be empty")
	}
	if q.Length() != 0 {
		t.Fatalf("Expected empty queue, got length %d", q.Length())
	}

	// the retained chunk is reusable
	q.Push(tasks[0])
	if q.Pop() != tasks[0] {
		t.Fatal("Push after drain failed")
	}
	q.release()
}

func TestIngress_take(t *testing.T) {
	var q ingress
	for range chunkSize + 1 {
		q.Push(&task{})
	}

	taken := q.take()
	if q.Length() != 0 || q.Pop() != nil {
		t.Fatal("take should leave the queue empty")
	}
	if taken.Length() != chunkSize+1 {
		t.Fatalf("Expected %d taken, got %d", chunkSize+1, taken.Length())
	}

	// the original remains usable while the taken queue is drained
	first := &task{}
	q.Push(first)
	for taken.Pop() != nil {
	}
	taken.release()
	if q.Pop() != first {
		t.Fatal("Expected the task pushed after take")
	}
}

func TestIngress_releaseClearsChunks(t *testing.T) {
	var q ingress
	q.Push(&task{})
	q.Push(&task{})
	head := q.head
	q.release()
	if q.head != nil || q.tail != nil || q.Length() != 0 {
		t.Fatal("release should reset the queue")
	}
	for i, v := range head.tasks {
		if v != nil {
			t.Fatalf("chunk slot %d retains a task", i)
		}
	}
}
