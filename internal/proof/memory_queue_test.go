package proof

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(128)
	const total = 100

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		done = make(chan struct{})
	)
	go func() {
		_ = queue.Consume(ctx, 4, func(_ context.Context, proofID string) error {
			mu.Lock()
			seen[proofID]++
			if len(seen) == total {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for i := 0; i < total; i++ {
		if err := queue.Publish(ctx, fmt.Sprintf("p-%d", i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("queue did not drain: %d delivered", len(seen))
	}
	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("proof %s delivered %d times", id, count)
		}
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Publish(context.Background(), "p"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
