package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryTopic is an in-process Publisher keeping every message per topic in
// publish order. It backs dry runs and tests.
type MemoryTopic struct {
	mu     sync.Mutex
	topics map[string][]Msg
	closed bool
	fail   []error
}

var _ Publisher = (*MemoryTopic)(nil)

func NewMemoryTopic() *MemoryTopic {
	return &MemoryTopic{topics: make(map[string][]Msg)}
}

func (t *MemoryTopic) Publish(ctx context.Context, msg Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errPublisherClosed
	}
	if len(t.fail) > 0 {
		err := t.fail[0]
		t.fail = t.fail[1:]
		return err
	}
	t.topics[msg.Topic] = append(t.topics[msg.Topic], msg)
	return nil
}

// FailNext makes the next len(errs) publishes fail with errs, in order.
func (t *MemoryTopic) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = append(t.fail, errs...)
}

// Messages returns a copy of the messages published to topic.
func (t *MemoryTopic) Messages(topic string) []Msg {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Msg, len(t.topics[topic]))
	copy(out, t.topics[topic])
	return out
}

func (t *MemoryTopic) Close(time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}
