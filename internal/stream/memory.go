package stream

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker. It backs tests and single-process
// deployments; semantics (monotonic offsets from 1, from-end subscription,
// stored offsets) match the Redis broker.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	offsets map[string]uint64 // "<stream>/<subscriber>" → offset
	closed  bool
}

type memoryStream struct {
	entries [][]byte
	waiters []chan struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams: make(map[string]*memoryStream),
		offsets: make(map[string]uint64),
	}
}

func (b *MemoryBroker) stream(name string) *memoryStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memoryStream{}
		b.streams[name] = s
	}
	return s
}

func (b *MemoryBroker) Publish(_ context.Context, stream string, payload []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.entries = append(s.entries, buf)

	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil

	return uint64(len(s.entries)), nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, stream string, pos Position) (<-chan Message, error) {
	b.mu.Lock()
	s := b.stream(stream)
	next := pos.Offset()
	if pos.fromEnd || next == 0 {
		next = uint64(len(s.entries)) + 1
	}
	b.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			b.mu.Lock()
			var batch []Message
			for int(next) <= len(s.entries) {
				batch = append(batch, Message{Offset: next, Payload: s.entries[next-1]})
				next++
			}
			var wait chan struct{}
			if batch == nil {
				wait = make(chan struct{})
				s.waiters = append(s.waiters, wait)
			}
			b.mu.Unlock()

			for _, msg := range batch {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
			if wait != nil {
				select {
				case <-wait:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *MemoryBroker) StoreOffset(_ context.Context, stream, subscriber string, offset uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsets[stream+"/"+subscriber] = offset
	return nil
}

func (b *MemoryBroker) QueryOffset(_ context.Context, stream, subscriber string) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset, found := b.offsets[stream+"/"+subscriber]
	return offset, found, nil
}

// Len reports how many messages a stream holds. Test helper.
func (b *MemoryBroker) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stream(stream).entries)
}

// Entry returns the payload at the given offset. Test helper.
func (b *MemoryBroker) Entry(stream string, offset uint64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if offset == 0 || int(offset) > len(s.entries) {
		return nil
	}
	return s.entries[offset-1]
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
