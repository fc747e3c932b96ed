package anchor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueConsumesAll(t *testing.T) {
	q := NewMemoryQueue(64)
	ctx, cancel := context.WithCancel(context.Background())

	var handled atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, 4, func(context.Context, []byte) error {
			handled.Add(1)
			return nil
		})
	}()

	for i := 0; i < 50; i++ {
		if err := q.Publish(context.Background(), []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for handled.Load() < 50 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 50 payloads handled", handled.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	_ = q.Close()
	if err := q.Publish(context.Background(), []byte("late")); err == nil {
		t.Fatalf("expected publish on closed queue to fail")
	}
}

func TestQueueConfigValidation(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); err == nil {
		t.Fatalf("expected error for empty redis address")
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected error for empty rabbitmq url")
	}
}

func TestMemoryQueueTryPublish(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.TryPublish([]byte("a")); err != nil {
		t.Fatalf("try publish: %v", err)
	}
	if err := q.TryPublish([]byte("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("unexpected queue length: %d", q.Len())
	}
	_ = q.Close()
	if err := q.TryPublish([]byte("c")); err == nil || errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected closed queue error, got %v", err)
	}
}
