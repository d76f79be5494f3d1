package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memPollInterval = 20 * time.Millisecond

type memItem struct {
	msg       *Message
	visibleAt time.Time
}

// Memory 内存实现：切片保持入队顺序 + visibleAt 决定可见性；测试与单机开发用
type Memory struct {
	mu         sync.Mutex
	order      []string
	items      map[string]*memItem
	visibility time.Duration
}

// NewMemory 创建内存队列；visibility 为 Dequeue 后的隐藏窗口
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Memory{
		items:      make(map[string]*memItem),
		visibility: visibility,
	}
}

func (q *Memory) Enqueue(ctx context.Context, msg *Message, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	cp := *msg
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[msg.ID] = &memItem{msg: &cp, visibleAt: time.Now().Add(delay)}
	q.order = append(q.order, msg.ID)
	return nil
}

// Dequeue 协作式轮询：按入队顺序取第一条 visibleAt 已到的消息
func (q *Memory) Dequeue(ctx context.Context, maxWait time.Duration) (*Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if msg := q.tryClaim(); msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memPollInterval):
		}
	}
}

func (q *Memory) tryClaim() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, id := range q.order {
		it, ok := q.items[id]
		if !ok {
			continue
		}
		if it.visibleAt.After(now) {
			continue
		}
		it.visibleAt = now.Add(q.visibility)
		cp := *it.msg
		return &cp
	}
	return nil
}

func (q *Memory) Ack(ctx context.Context, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, msgID)
	// order 中的残留 id 在 tryClaim 跳过，Depth 走 items
	return nil
}

func (q *Memory) ExtendVisibility(ctx context.Context, msgID string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[msgID]
	if !ok {
		return nil
	}
	it.visibleAt = time.Now().Add(d)
	return nil
}

// Depth 当前未 Ack 的消息数（含隐藏中的），供测试与指标
func (q *Memory) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
