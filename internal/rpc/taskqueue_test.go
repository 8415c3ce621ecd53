package rpc

import (
	"sync/atomic"
	"testing"
)

func TestAsyncTaskQueueRunsAllTasks(t *testing.T) {
	q := NewAsyncTaskQueue(4)
	var n atomic.Int64
	const total = 200
	for i := 0; i < total; i++ {
		q.Enqueue(func() { n.Add(1) })
	}
	q.Stop()
	if got := n.Load(); got != total {
		t.Fatalf("ran %d tasks, want %d", got, total)
	}
}

func TestAsyncTaskQueueStopDrainsQueue(t *testing.T) {
	q := NewAsyncTaskQueue(1)
	var n atomic.Int64
	for i := 0; i < 50; i++ {
		q.Enqueue(func() { n.Add(1) })
	}
	q.Stop()
	if got := n.Load(); got != 50 {
		t.Fatalf("Stop returned before draining queue: ran %d of 50", got)
	}
}
