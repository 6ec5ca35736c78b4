package ringbuffer

import (
	"sync"
	"testing"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non power-of-two capacity")
		}
	}()
	New[int](3)
}

func TestPushPopFIFO(t *testing.T) {
	q := New[int](4)

	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d should succeed", i)
		}
	}

	for i := 0; i < 3; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d should succeed", i)
		}
		if v != i {
			t.Fatalf("expected %d, got %d", i, v)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestFullQueueRejectsPush(t *testing.T) {
	q := New[int](4)

	// capacity 4 的环形队列最多容纳 3 个元素（一个槽位永远空着用来区分满/空）。
	for i := 0; i < 3; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d should succeed", i)
		}
	}
	if q.Push(99) {
		t.Fatal("expected push to fail on full queue")
	}

	if _, ok := q.Pop(); !ok {
		t.Fatal("expected pop to succeed after making room")
	}
	if !q.Push(99) {
		t.Fatal("expected push to succeed after pop frees a slot")
	}
}

func TestEmptyAndSize(t *testing.T) {
	q := New[int](8)
	if !q.Empty() {
		t.Fatal("expected new queue to be empty")
	}
	q.Push(1)
	q.Push(2)
	if q.Empty() {
		t.Fatal("expected non-empty queue")
	}
	if q.Size() != 2 {
		t.Fatalf("expected size 2, got %d", q.Size())
	}
}

func TestConcurrentSingleProducerSingleConsumer(t *testing.T) {
	const n = 100000
	q := New[int](1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !q.Push(i) {
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			var v int
			var ok bool
			for !ok {
				v, ok = q.Pop()
			}
			if v != i {
				t.Errorf("expected %d, got %d", i, v)
			}
		}
	}()

	wg.Wait()
}
