package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func msgFixture(id string) *Message {
	return &Message{
		ID:         id,
		TaskID:     "task-" + id,
		JobID:      "job-1",
		WorkerKind: "tagger",
		Payload:    json.RawMessage(`{}`),
		Attempt:    1,
	}
}

func TestMemory_FIFOWithinVisible(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	_ = q.Enqueue(ctx, msgFixture("m1"), 0)
	_ = q.Enqueue(ctx, msgFixture("m2"), 0)

	first, err := q.Dequeue(ctx, time.Second)
	if err != nil || first == nil || first.ID != "m1" {
		t.Fatalf("expected m1 first, got %v %v", first, err)
	}
	second, _ := q.Dequeue(ctx, time.Second)
	if second == nil || second.ID != "m2" {
		t.Fatalf("expected m2 second, got %v", second)
	}
	// 两条都在可见性窗口内，再取应超时拿空
	none, err := q.Dequeue(ctx, 50*time.Millisecond)
	if err != nil || none != nil {
		t.Errorf("expected nil, nil when all messages are hidden, got %v %v", none, err)
	}
}

func TestMemory_DelayedDelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	_ = q.Enqueue(ctx, msgFixture("m1"), 80*time.Millisecond)

	if msg, _ := q.Dequeue(ctx, 20*time.Millisecond); msg != nil {
		t.Fatalf("delayed message must not be visible yet, got %s", msg.ID)
	}
	msg, err := q.Dequeue(ctx, time.Second)
	if err != nil || msg == nil || msg.ID != "m1" {
		t.Fatalf("expected m1 after delay, got %v %v", msg, err)
	}
}

func TestMemory_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(60 * time.Millisecond)

	_ = q.Enqueue(ctx, msgFixture("m1"), 0)
	first, _ := q.Dequeue(ctx, time.Second)
	if first == nil {
		t.Fatal("expected first delivery")
	}
	// 不 Ack：窗口过后必须重投
	second, err := q.Dequeue(ctx, time.Second)
	if err != nil || second == nil || second.ID != "m1" {
		t.Fatalf("expected redelivery of m1, got %v %v", second, err)
	}
}

func TestMemory_AckStopsRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(40 * time.Millisecond)

	_ = q.Enqueue(ctx, msgFixture("m1"), 0)
	msg, _ := q.Dequeue(ctx, time.Second)
	if err := q.Ack(ctx, msg.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := q.Depth(); got != 0 {
		t.Errorf("expected depth 0 after ack, got %d", got)
	}
	if again, _ := q.Dequeue(ctx, 100*time.Millisecond); again != nil {
		t.Errorf("acked message must not be redelivered, got %s", again.ID)
	}
	// 重复 Ack 幂等
	if err := q.Ack(ctx, msg.ID); err != nil {
		t.Errorf("duplicate ack: %v", err)
	}
}

func TestMemory_ExtendVisibility(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(40 * time.Millisecond)

	_ = q.Enqueue(ctx, msgFixture("m1"), 0)
	msg, _ := q.Dequeue(ctx, time.Second)
	if err := q.ExtendVisibility(ctx, msg.ID, time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if again, _ := q.Dequeue(ctx, 150*time.Millisecond); again != nil {
		t.Errorf("extended message must stay hidden, got %s", again.ID)
	}
}

func TestMemory_DequeueHonoursContext(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx, time.Second); err == nil {
		t.Errorf("expected context error on cancelled dequeue")
	}
}
