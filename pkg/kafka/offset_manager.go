package kafka

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/ava-labs/evm-ingestor/pkg/metrics"
)

const (
	OffsetManagerCommitInterval  = 5 * time.Second
	OffsetManagerAutoOffsetReset = "latest"

	// PendingWarningThreshold is the number of finished but uncommittable
	// offsets of one partition above which every commit cycle warns. It
	// usually means one message is stuck in a worker.
	PendingWarningThreshold = 10000

	brokerQueryTimeoutMs = 5000
)

// partitionOffsets tracks one assigned partition. committed is the offset
// last acknowledged by the broker, pending the finished offsets above it in
// ascending order without duplicates and always above committed. Offsets follow the Kafka convention of
// pointing at the next message to read.
type partitionOffsets struct {
	topic     *string
	committed kafka.Offset
	pending   []kafka.Offset
}

func (p *partitionOffsets) add(off kafka.Offset) bool {
	// Offsets at or below the committed one show up when a new group starts
	// at "latest" while the producer is writing.
	if off <= p.committed {
		return false
	}
	i, found := slices.BinarySearch(p.pending, off)
	if found {
		return false
	}
	p.pending = slices.Insert(p.pending, i, off)
	return true
}

// committable returns the highest offset that can be committed without
// skipping an unfinished message and the number of pending entries it
// covers. n is zero when the oldest unfinished message is still in flight.
func (p *partitionOffsets) committable() (off kafka.Offset, n int) {
	if len(p.pending) == 0 || p.pending[0] > p.committed+1 {
		return 0, 0
	}
	for n = 1; n < len(p.pending); n++ {
		if p.pending[n] != p.pending[n-1]+1 {
			break
		}
	}
	return p.pending[n-1], n
}

func (p *partitionOffsets) trim(n int) {
	p.committed = p.pending[n-1]
	p.pending = slices.Clone(p.pending[n:])
}

func (p *partitionOffsets) latest() kafka.Offset {
	if n := len(p.pending); n > 0 {
		return p.pending[n-1]
	}
	return p.committed
}

// OffsetManager commits the offsets of messages that are done, in order, for
// every partition assigned to one consumer. Workers finish messages out of
// order across a partition's retries, so a finished offset is only committed
// once every message below it is finished too. That gives at-least-once
// delivery: a message that was never marked is redelivered after a restart
// or rebalance.
//
// Commits happen every interval, when partitions are revoked, and on Flush.
type OffsetManager struct {
	consumer        *kafka.Consumer
	autoOffsetReset string
	// dryRun never contacts the broker. Tests rely on it.
	dryRun  bool
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu         sync.Mutex
	partitions map[int32]*partitionOffsets
}

// NewOffsetManager creates an OffsetManager whose commit loop runs until ctx
// is done. m may be nil.
func NewOffsetManager(
	ctx context.Context,
	consumer *kafka.Consumer,
	interval time.Duration,
	autoOffsetReset string,
	dryRun bool,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *OffsetManager {
	om := &OffsetManager{
		consumer:        consumer,
		autoOffsetReset: autoOffsetReset,
		dryRun:          dryRun,
		log:             log,
		metrics:         m,
		partitions:      make(map[int32]*partitionOffsets),
	}
	if interval <= 0 {
		interval = OffsetManagerCommitInterval
	}
	go om.run(ctx, interval)
	return om
}

func (om *OffsetManager) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			om.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Flush commits whatever every assigned partition can commit right now.
func (om *OffsetManager) Flush() {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.commitLocked(slices.Collect(maps.Keys(om.partitions)))
}

// commitLocked sends one commit request for the given partitions and trims
// their pending offsets once the broker accepted it.
func (om *OffsetManager) commitLocked(partitions []int32) {
	var (
		offsets []kafka.TopicPartition
		covered = make(map[int32]int, len(partitions))
	)
	for _, id := range partitions {
		p := om.partitions[id]
		if p == nil {
			continue
		}
		off, n := p.committable()
		if n == 0 {
			continue
		}
		offsets = append(offsets, kafka.TopicPartition{Topic: p.topic, Partition: id, Offset: off})
		covered[id] = n
	}

	if len(offsets) > 0 {
		start := time.Now()
		var err error
		if !om.dryRun {
			_, err = om.consumer.CommitOffsets(offsets)
		}
		elapsed := time.Since(start).Seconds()
		for _, tp := range offsets {
			om.metrics.RecordOffsetCommit(tp.Partition, err, elapsed)
		}
		if err != nil {
			// Pending offsets stay, the next cycle retries.
			om.log.Errorw("failed to commit offsets", "partitions", len(offsets), "error", err)
			return
		}
		for _, tp := range offsets {
			om.partitions[tp.Partition].trim(covered[tp.Partition])
			om.log.Debugw("committed offset", "partition", tp.Partition, "offset", tp.Offset)
		}
	}

	for _, id := range partitions {
		p := om.partitions[id]
		if p == nil {
			continue
		}
		om.metrics.UpdateOffsetMetrics(id, int64(p.committed), int64(p.latest()), len(p.pending))
		if len(p.pending) > PendingWarningThreshold {
			om.log.Warnw("partition has many uncommitted offsets",
				"partition", id,
				"committed", p.committed,
				"pending", len(p.pending),
			)
		}
	}
}

// InsertOffset marks offset.Offset as the next offset to read once every
// earlier message of the partition is done. Offsets of partitions that are
// not assigned are ignored.
func (om *OffsetManager) InsertOffset(ctx context.Context, offset kafka.TopicPartition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	om.mu.Lock()
	defer om.mu.Unlock()

	p := om.partitions[offset.Partition]
	if p == nil {
		om.log.Warnw("offset for unassigned partition ignored", "partition", offset.Partition, "offset", offset.Offset)
		return nil
	}
	// Without a usable committed offset the first finished message anchors
	// the partition.
	if p.committed < 0 {
		p.committed = offset.Offset - 1
		om.log.Infow("partition offset initialized", "partition", offset.Partition, "committed", p.committed)
	}
	if p.add(offset.Offset) {
		om.metrics.RecordOffsetInsert(offset.Partition)
	}
	return nil
}

// MarkProcessed records msg as done, whether it was stored or sent to the
// DLQ. A canceled ctx leaves it unmarked so it is redelivered.
func (om *OffsetManager) MarkProcessed(ctx context.Context, msg *kafka.Message) {
	err := om.InsertOffset(ctx, kafka.TopicPartition{
		Topic:     msg.TopicPartition.Topic,
		Partition: msg.TopicPartition.Partition,
		Offset:    msg.TopicPartition.Offset + 1,
	})
	if err != nil {
		om.log.Debugw("message left uncommitted", "partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset, "error", err)
	}
}

// RebalanceCb keeps the tracked partitions in line with the assignment. It
// must run inside the consumer's rebalance callback.
func (om *OffsetManager) RebalanceCb(consumer *kafka.Consumer, event kafka.Event) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		return om.assignLocked(consumer, ev.Partitions)
	case kafka.RevokedPartitions:
		ids := make([]int32, 0, len(ev.Partitions))
		for _, tp := range ev.Partitions {
			ids = append(ids, tp.Partition)
		}
		// Last chance to commit before another member owns them.
		om.commitLocked(ids)
		for _, id := range ids {
			delete(om.partitions, id)
		}
		om.log.Infow("partitions revoked", "partitions", ids)
	default:
		om.log.Warnw("unknown rebalance event", "event", event)
	}
	return nil
}

func (om *OffsetManager) assignLocked(consumer *kafka.Consumer, assigned []kafka.TopicPartition) error {
	committed := assigned
	if !om.dryRun {
		// Assignment offsets are kafka.OffsetInvalid when joining an idle
		// group, the broker knows the real ones.
		var err error
		committed, err = consumer.Committed(assigned, brokerQueryTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to get committed offsets: %w", err)
		}
	}

	for _, tp := range committed {
		p := &partitionOffsets{topic: tp.Topic, committed: tp.Offset}
		if !om.dryRun {
			low, high, err := consumer.QueryWatermarkOffsets(*tp.Topic, tp.Partition, brokerQueryTimeoutMs)
			if err != nil {
				return fmt.Errorf("failed to query watermark offsets of partition %d: %w", tp.Partition, err)
			}
			// Retention may have deleted the stored offset, librdkafka then
			// resets according to auto.offset.reset and the first finished
			// message anchors the partition.
			if tp.Offset < 0 || tp.Offset < kafka.Offset(low) {
				p.committed = kafka.OffsetInvalid
			}
			om.log.Debugw("partition watermarks", "partition", tp.Partition, "low", low, "high", high)
		}
		om.partitions[tp.Partition] = p
		om.log.Infow("partition assigned",
			"partition", tp.Partition,
			"committed", p.committed,
			"autoOffsetReset", om.autoOffsetReset,
		)
	}
	return nil
}

// committed and pending read one partition's state for tests and logs.
func (om *OffsetManager) committed(partition int32) (kafka.Offset, bool) {
	om.mu.Lock()
	defer om.mu.Unlock()
	p := om.partitions[partition]
	if p == nil {
		return 0, false
	}
	return p.committed, true
}

func (om *OffsetManager) pending(partition int32) []kafka.Offset {
	om.mu.Lock()
	defer om.mu.Unlock()
	if p := om.partitions[partition]; p != nil {
		return slices.Clone(p.pending)
	}
	return nil
}

func (om *OffsetManager) assignedCount() int {
	om.mu.Lock()
	defer om.mu.Unlock()
	return len(om.partitions)
}
