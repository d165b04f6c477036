package testutils

import (
	"context"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
)

// MockProcessor is a mock implementation of processor.Processor for testing
type MockProcessor struct {
	mock.Mock
}

// Process mocks the Process method
func (m *MockProcessor) Process(ctx context.Context, msg *kafka.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// RecordingProcessor records the offsets it processed per partition, in
// call order. Fail, when set, decides the result of each call.
type RecordingProcessor struct {
	Fail func(msg *kafka.Message) error

	mu      sync.Mutex
	offsets map[int32][]int64
}

func (r *RecordingProcessor) Process(_ context.Context, msg *kafka.Message) error {
	r.mu.Lock()
	if r.offsets == nil {
		r.offsets = make(map[int32][]int64)
	}
	p := msg.TopicPartition.Partition
	r.offsets[p] = append(r.offsets[p], int64(msg.TopicPartition.Offset))
	r.mu.Unlock()

	if r.Fail != nil {
		return r.Fail(msg)
	}
	return nil
}

// Offsets returns a copy of the offsets processed on partition.
func (r *RecordingProcessor) Offsets(partition int32) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.offsets[partition]...)
}

// Count returns the number of processed messages across partitions.
func (r *RecordingProcessor) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.offsets {
		n += len(o)
	}
	return n
}
