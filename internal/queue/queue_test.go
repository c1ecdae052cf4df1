package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("expected len 3, got %d", n)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil || got != want {
			t.Fatalf("dequeue: got %q err=%v, want %q", got, err, want)
		}
	}
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueueWakesEveryConsumer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q := NewMemoryQueue()

	const n = 8
	got := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := q.Dequeue(ctx)
			if err == nil {
				got <- id
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < n; i++ {
		_ = q.Enqueue(ctx, string(rune('a'+i)))
	}
	wg.Wait()
	close(got)
	seen := map[string]bool{}
	for id := range got {
		if seen[id] {
			t.Fatalf("id %s delivered twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(seen))
	}
}

func TestRedisQueue(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:ready")
	_ = q.Enqueue(ctx, "job-1")
	_ = q.Enqueue(ctx, "job-2")
	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Fatalf("len: %d %v", n, err)
	}
	id, err := q.Dequeue(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue: %q %v", id, err)
	}
}
