package metrics

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "ingestor"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	RPC           = "rpc"
	Driver        = "driver"
	Storage       = "storage"
	Producer      = "producer"
	KafkaOffset   = "kafka_offset"
	KafkaConsumer = "kafka_consumer"
	Consumer      = "consumer"
)

// Block write outcomes.
const (
	WriteInserted      = "inserted"
	WriteDuplicate     = "duplicate"
	WriteReorgConflict = "reorg_conflict"
	WriteFailed        = "failed"
)

// Labels are constant labels added to every metric, so several ingestor
// deployments can share one Prometheus.
type Labels struct {
	Environment   string
	Region        string
	CloudProvider string
}

// toPrometheusLabels skips empty values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Ingestion driver state, per chain
	blocksPublished  *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	cursor           *prometheus.GaugeVec
	headLag          *prometheus.GaugeVec
	gapHeals         *prometheus.CounterVec
	gapBlocks        *prometheus.CounterVec
	driverState      *prometheus.GaugeVec
	errors           *prometheus.CounterVec
	stateMu          sync.Mutex
	lastDriverStates map[string]string

	// RPC metrics
	rpcCalls               *prometheus.CounterVec
	rpcDuration            *prometheus.HistogramVec
	rpcInFlight            prometheus.Gauge
	rpcRetries             *prometheus.CounterVec
	rateLimitWaits         *prometheus.CounterVec
	subscriptionReconnects *prometheus.CounterVec

	// Producer delivery reports
	producerDeliveries *prometheus.CounterVec

	// Storage writer
	blockWrites        *prometheus.CounterVec
	transactionsStored *prometheus.CounterVec
	writeDuration      *prometheus.HistogramVec

	// Offset manager, per partition
	lastCommittedOffset   *prometheus.GaugeVec
	latestProcessedOffset *prometheus.GaugeVec
	offsetLag             *prometheus.GaugeVec
	offsetPending         *prometheus.GaugeVec
	offsetCommits         *prometheus.CounterVec
	commitDuration        *prometheus.HistogramVec
	offsetInserts         *prometheus.CounterVec

	// Kafka consumer rebalance metrics
	rebalanceEvents      *prometheus.CounterVec
	partitionAssignments *prometheus.CounterVec
	partitionRevocations *prometheus.CounterVec
	assignedPartitions   prometheus.Gauge

	// Consumer message processing metrics
	messagesReceived          *prometheus.CounterVec   // by partition
	messagesProcessed         *prometheus.CounterVec   // by partition, status
	messageProcessingDuration *prometheus.HistogramVec // by partition
	messagesInFlight          prometheus.Gauge

	// DLQ production metrics
	dlqProduced           *prometheus.CounterVec // by status
	dlqProductionDuration prometheus.Histogram

	// Consumer error metrics
	kafkaErrors   *prometheus.CounterVec // by severity (fatal/non_fatal)
	unknownEvents prometheus.Counter     // total count of unknown events
}

// New creates and registers every metric on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels is New with constant labels on every metric.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

var (
	latencyBuckets    = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	kafkaCallBuckets  = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}
	processingBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
)

// builder creates collectors under Namespace and registers them as it goes.
// The first registration failures are kept and reported together.
type builder struct {
	reg  prometheus.Registerer
	errs []error
}

func (b *builder) register(c prometheus.Collector) {
	if err := b.reg.Register(c); err != nil {
		b.errs = append(b.errs, err)
	}
}

func (b *builder) counter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help})
	b.register(c)
	return c
}

func (b *builder) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	b.register(c)
	return c
}

func (b *builder) gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help})
	b.register(g)
	return g
}

func (b *builder) gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	b.register(g)
	return g
}

func (b *builder) histogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	})
	b.register(h)
	return h
}

func (b *builder) histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	b.register(h)
	return h
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	b := &builder{reg: reg}
	m := &Metrics{
		lastDriverStates: make(map[string]string),

		blocksPublished: b.counterVec(Driver, "blocks_published_total",
			"Blocks published to the topic by chain and phase (backfill, live, gap)", "chain", "phase"),
		publishDuration: b.histogramVec(Driver, "publish_duration_seconds",
			"Time from publish call to broker acknowledgment", latencyBuckets, "chain"),
		cursor: b.gaugeVec(Driver, "cursor",
			"Last block number acknowledged by the topic", "chain"),
		headLag: b.gaugeVec(Driver, "head_lag_blocks",
			"Distance between the chain head and the cursor", "chain"),
		gapHeals: b.counterVec(Driver, "gap_heals_total",
			"Live stream discontinuities closed with a range fetch", "chain"),
		gapBlocks: b.counterVec(Driver, "gap_blocks_total",
			"Blocks fetched to close live stream discontinuities", "chain"),
		driverState: b.gaugeVec(Driver, "state",
			"1 for the current state of each chain driver, 0 otherwise", "chain", "state"),
		errors: b.counterVec("", "errors_total",
			"Errors by chain and kind", "chain", "kind"),

		rpcCalls: b.counterVec(RPC, "calls_total",
			"RPC calls by chain, method and status", "chain", "method", "status"),
		rpcDuration: b.histogramVec(RPC, "duration_seconds",
			"RPC call duration", latencyBuckets, "chain", "method"),
		rpcInFlight: b.gauge(RPC, "in_flight",
			"RPC calls currently in progress"),
		rpcRetries: b.counterVec(RPC, "retries_total",
			"RPC retries by chain and error kind", "chain", "kind"),
		rateLimitWaits: b.counterVec(RPC, "rate_limit_waits_total",
			"Calls delayed by the client-side rate limiter", "chain"),
		subscriptionReconnects: b.counterVec(RPC, "subscription_reconnects_total",
			"Head subscription reconnect attempts", "chain"),

		producerDeliveries: b.counterVec(Producer, "deliveries_total",
			"Delivery reports received from the broker by status", "status"),

		blockWrites: b.counterVec(Storage, "block_writes_total",
			"Block upserts by chain and outcome (inserted, duplicate, reorg_conflict, failed)", "chain", "outcome"),
		transactionsStored: b.counterVec(Storage, "transactions_inserted_total",
			"Transaction rows inserted", "chain"),
		writeDuration: b.histogramVec(Storage, "write_duration_seconds",
			"Duration of one block upsert transaction", latencyBuckets, "chain"),

		lastCommittedOffset: b.gaugeVec(KafkaOffset, "last_committed",
			"Offset last committed to Kafka per partition", "partition"),
		latestProcessedOffset: b.gaugeVec(KafkaOffset, "latest_processed",
			"Highest offset marked processed per partition", "partition"),
		offsetLag: b.gaugeVec(KafkaOffset, "lag",
			"latest_processed minus last_committed per partition", "partition"),
		offsetPending: b.gaugeVec(KafkaOffset, "pending",
			"Processed offsets waiting for an earlier message before they can be committed", "partition"),
		offsetCommits: b.counterVec(KafkaOffset, "commits_total",
			"Offset commit attempts by partition and status", "partition", "status"),
		commitDuration: b.histogramVec(KafkaOffset, "commit_duration_seconds",
			"Duration of offset commit requests", kafkaCallBuckets, "partition"),
		offsetInserts: b.counterVec(KafkaOffset, "inserts_total",
			"Offsets marked processed per partition", "partition"),

		rebalanceEvents: b.counterVec(KafkaConsumer, "rebalance_events_total",
			"Consumer group rebalance events by type", "type"),
		partitionAssignments: b.counterVec(KafkaConsumer, "partition_assignments_total",
			"Times a partition was assigned to this consumer", "partition"),
		partitionRevocations: b.counterVec(KafkaConsumer, "partition_revocations_total",
			"Times a partition was revoked from this consumer", "partition"),
		assignedPartitions: b.gauge(KafkaConsumer, "assigned_partitions",
			"Partitions currently assigned to this consumer"),

		messagesReceived: b.counterVec(Consumer, "messages_received_total",
			"Messages polled from Kafka by partition", "partition"),
		messagesProcessed: b.counterVec(Consumer, "messages_processed_total",
			"Messages processed by partition and status", "partition", "status"),
		messageProcessingDuration: b.histogramVec(Consumer, "message_processing_duration_seconds",
			"Block message handling time including storage retries and DLQ publish", processingBuckets, "partition"),
		messagesInFlight: b.gauge(Consumer, "messages_in_flight",
			"Messages currently being processed"),

		dlqProduced: b.counterVec(Consumer, "dlq_produced_total",
			"Messages published to the dead letter topic by status", "status"),
		dlqProductionDuration: b.histogram(Consumer, "dlq_production_duration_seconds",
			"Duration of a dead letter publish", kafkaCallBuckets),

		kafkaErrors: b.counterVec(Consumer, "kafka_errors_total",
			"Kafka error events by severity (fatal, non_fatal)", "severity"),
		unknownEvents: b.counter(Consumer, "unknown_events_total",
			"Unrecognized librdkafka events"),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

func partitionLabel(p int32) string {
	return strconv.Itoa(int(p))
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// IncError increments the error counter for a chain and error kind.
func (m *Metrics) IncError(chain, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(chain, kind).Inc()
}

// RecordBlockPublished records a block acknowledged by the topic.
func (m *Metrics) RecordBlockPublished(chain, phase string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.blocksPublished.WithLabelValues(chain, phase).Inc()
	m.publishDuration.WithLabelValues(chain).Observe(durationSeconds)
}

// SetCursor exports the cursor position of a chain.
func (m *Metrics) SetCursor(chain string, number uint64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(chain).Set(float64(number))
}

// SetHeadLag exports how far the cursor trails the chain head.
func (m *Metrics) SetHeadLag(chain string, lag uint64) {
	if m == nil {
		return
	}
	m.headLag.WithLabelValues(chain).Set(float64(lag))
}

// RecordGapHeal records a discontinuity of the live stream closed by
// fetching the given number of blocks.
func (m *Metrics) RecordGapHeal(chain string, blocks uint64) {
	if m == nil {
		return
	}
	m.gapHeals.WithLabelValues(chain).Inc()
	m.gapBlocks.WithLabelValues(chain).Add(float64(blocks))
}

// SetDriverState marks state as the current state of the chain's driver and
// clears the previous one.
func (m *Metrics) SetDriverState(chain, state string) {
	if m == nil {
		return
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if prev, ok := m.lastDriverStates[chain]; ok && prev != state {
		m.driverState.WithLabelValues(chain, prev).Set(0)
	}
	m.lastDriverStates[chain] = state
	m.driverState.WithLabelValues(chain, state).Set(1)
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(chain, method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(chain, method, statusOf(err)).Inc()
	m.rpcDuration.WithLabelValues(chain, method).Observe(durationSeconds)
}

// RecordRetry records a retried RPC call.
func (m *Metrics) RecordRetry(chain, kind string) {
	if m == nil {
		return
	}
	m.rpcRetries.WithLabelValues(chain, kind).Inc()
}

func (m *Metrics) RecordRateLimitWait(chain string) {
	if m == nil {
		return
	}
	m.rateLimitWaits.WithLabelValues(chain).Inc()
}

func (m *Metrics) IncSubscriptionReconnect(chain string) {
	if m == nil {
		return
	}
	m.subscriptionReconnects.WithLabelValues(chain).Inc()
}

// RecordProducerDelivery records a broker delivery report.
func (m *Metrics) RecordProducerDelivery(err error) {
	if m == nil {
		return
	}
	m.producerDeliveries.WithLabelValues(statusOf(err)).Inc()
}

// RecordBlockWrite records the outcome of one block upsert and the number of
// transaction rows it inserted.
func (m *Metrics) RecordBlockWrite(chain, outcome string, txInserted int64, durationSeconds float64) {
	if m == nil {
		return
	}
	m.blockWrites.WithLabelValues(chain, outcome).Inc()
	if txInserted > 0 {
		m.transactionsStored.WithLabelValues(chain).Add(float64(txInserted))
	}
	m.writeDuration.WithLabelValues(chain).Observe(durationSeconds)
}

// UpdateOffsetMetrics exports the offset manager state of a partition.
func (m *Metrics) UpdateOffsetMetrics(partition int32, lastCommitted, latestProcessed int64, pending int) {
	if m == nil {
		return
	}
	l := partitionLabel(partition)
	m.lastCommittedOffset.WithLabelValues(l).Set(float64(lastCommitted))
	m.latestProcessedOffset.WithLabelValues(l).Set(float64(latestProcessed))
	m.offsetPending.WithLabelValues(l).Set(float64(pending))
	m.offsetLag.WithLabelValues(l).Set(float64(max(latestProcessed-lastCommitted, 0)))
}

// RecordOffsetCommit records one partition of a commit request.
func (m *Metrics) RecordOffsetCommit(partition int32, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	l := partitionLabel(partition)
	m.offsetCommits.WithLabelValues(l, statusOf(err)).Inc()
	m.commitDuration.WithLabelValues(l).Observe(durationSeconds)
}

func (m *Metrics) RecordOffsetInsert(partition int32) {
	if m == nil {
		return
	}
	m.offsetInserts.WithLabelValues(partitionLabel(partition)).Inc()
}

// RecordPartitionAssignment records a rebalance that assigned partitions.
func (m *Metrics) RecordPartitionAssignment(partitions []int32) {
	if m == nil {
		return
	}
	m.rebalanceEvents.WithLabelValues("assigned").Inc()
	for _, p := range partitions {
		m.partitionAssignments.WithLabelValues(partitionLabel(p)).Inc()
	}
	m.assignedPartitions.Set(float64(len(partitions)))
}

// RecordPartitionRevocation records a rebalance that revoked partitions. The
// assigned gauge drops to zero until the next assignment.
func (m *Metrics) RecordPartitionRevocation(partitions []int32) {
	if m == nil {
		return
	}
	m.rebalanceEvents.WithLabelValues("revoked").Inc()
	for _, p := range partitions {
		m.partitionRevocations.WithLabelValues(partitionLabel(p)).Inc()
	}
	m.assignedPartitions.Set(0)
}

func (m *Metrics) RecordMessageReceived(partition int32) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(partitionLabel(partition)).Inc()
}

// RecordMessageProcessed records how handling one message ended.
func (m *Metrics) RecordMessageProcessed(partition int32, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	l := partitionLabel(partition)
	m.messagesProcessed.WithLabelValues(l, statusOf(err)).Inc()
	m.messageProcessingDuration.WithLabelValues(l).Observe(durationSeconds)
}

func (m *Metrics) IncMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Inc()
}

func (m *Metrics) DecMessagesInFlight() {
	if m == nil {
		return
	}
	m.messagesInFlight.Dec()
}

// RecordDLQProduction records a DLQ publish attempt with duration.
func (m *Metrics) RecordDLQProduction(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.dlqProduced.WithLabelValues(statusOf(err)).Inc()
	m.dlqProductionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncreaseUnknownEventCount() {
	if m == nil {
		return
	}
	m.unknownEvents.Inc()
}
