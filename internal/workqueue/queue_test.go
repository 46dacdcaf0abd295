package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPushNeverBlocksWithoutConsumers(t *testing.T) {
	q := New[int]()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a consumer")
	}
	if got := q.Len(); got != 10000 {
		t.Fatalf("unexpected length: %d", got)
	}
}

func TestPopPreservesOrder(t *testing.T) {
	q := New[string]()
	for _, v := range []string{"a", "b", "c"} {
		q.Push(v)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop(context.Background())
		if !ok || got != want {
			t.Fatalf("pop = %q/%v, want %q", got, ok, want)
		}
	}
}

func TestPopHonoursContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Pop(ctx); ok {
		t.Fatal("pop on empty queue should fail once the context ends")
	}
}

func TestConcurrentConsumersDrainEverything(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 500
	var mu sync.Mutex
	seen := make(map[int]bool, total)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Pop(ctx)
				if !ok {
					return
				}
				mu.Lock()
				seen[v] = true
				n := len(seen)
				mu.Unlock()
				if n == total {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		q.Push(i)
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("consumed %d of %d items", len(seen), total)
	}
}
