package ingestion

import (
	"context"
	"time"
)

// ConsumeContext carries one polled message together with its positional
// metadata. It is produced once per poll and never retried internally;
// redelivery is the broker's responsibility.
//
// Err is non-nil when the message body could not be deserialized. The
// positional metadata is still populated in that case so the orchestrator
// can decide whether to commit past the message or dead-letter it.
type ConsumeContext struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	BatchID   string
	Batch     *DataPointBatch
	Raw       []byte
	Err       error
}

// MessageConsumer is a message source with manual, explicit acknowledgment.
// Consume never advances the position; Commit advances it for exactly the
// partition/offset of the given context. The gap between the two calls is
// where the idempotency and persistence guarantees live, so implementations
// must never fuse them.
type MessageConsumer interface {
	// Consume polls for the next message, blocking up to timeout.
	// It returns (nil, nil) when the poll times out with no message.
	// A returned context carries either a non-nil Batch or a non-nil
	// Err, never neither.
	Consume(ctx context.Context, timeout time.Duration) (*ConsumeContext, error)

	// Commit durably advances the consumer position past the message
	// described by cc.
	Commit(ctx context.Context, cc *ConsumeContext) error

	// Close releases the consumer's claim on its partitions.
	Close() error
}
