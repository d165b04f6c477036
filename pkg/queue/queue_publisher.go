package queue

import (
	"context"
	"errors"
	"time"
)

// Msg represents a queue message.
//
// Topic identifies the destination topic.
// Key is used for partitioning when supported by the backend.
// Value contains the message payload.
// Headers contains additional metadata.
type Msg struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

type Publisher interface {
	// Publish blocks until the broker acknowledged the message or ctx is
	// done. A message may still be delivered after a canceled Publish.
	Publish(ctx context.Context, message Msg) error

	// Close stops the publisher and releases all resources, waiting up to
	// timeout for in-flight messages.
	Close(timeout time.Duration)
}

var errPublisherClosed = errors.New("publisher closed")
