// Package stream abstracts the append-only message streams the pipeline
// runs on: the ingest stream (source connectors → engines) and the event
// stream (engines → reactors). Every message carries a monotonic offset so
// consumers can checkpoint and resume exactly where they left off.
//
// Two implementations exist: a Redis Streams broker for deployments and an
// in-memory broker for tests and single-process runs.
package stream

import "context"

// Message is one entry read from a stream.
type Message struct {
	Offset  uint64
	Payload []byte
}

// Position says where a subscription starts.
type Position struct {
	fromEnd bool
	offset  uint64
}

// FromOffset starts delivery at the given offset (inclusive).
func FromOffset(offset uint64) Position {
	return Position{offset: offset}
}

// FromEnd delivers only messages published after the subscription.
func FromEnd() Position {
	return Position{fromEnd: true}
}

func (p Position) FromStart() bool { return !p.fromEnd }
func (p Position) Offset() uint64  { return p.offset }

// Broker is the stream client contract. Offsets are monotonic per stream,
// starting at 1; offset 0 therefore always means "nothing consumed yet".
type Broker interface {
	// Publish appends payload to the named stream and returns its offset.
	Publish(ctx context.Context, stream string, payload []byte) (uint64, error)

	// Subscribe delivers messages from pos onward until ctx is cancelled.
	// The returned channel is closed on cancellation or broker failure.
	Subscribe(ctx context.Context, stream string, pos Position) (<-chan Message, error)

	// StoreOffset durably records a subscriber's last processed offset.
	StoreOffset(ctx context.Context, stream, subscriber string, offset uint64) error

	// QueryOffset returns a subscriber's stored offset. found is false if
	// the subscriber has never stored one.
	QueryOffset(ctx context.Context, stream, subscriber string) (offset uint64, found bool, err error)

	Close() error
}
