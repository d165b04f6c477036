package processor

import (
	"context"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Processor handles one consumed message. A returned error is classified
// with ingesterr to decide between dead-lettering and stopping.
type Processor interface {
	Process(ctx context.Context, msg *cKafka.Message) error
}
