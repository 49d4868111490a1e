package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()
	var out []Message
	for len(out) < n {
		select {
		case msg, ok := <-ch:
			require.True(t, ok, "channel closed after %d messages", len(out))
			out = append(out, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestMemoryBrokerOffsetsStartAtOne(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	off, err := b.Publish(ctx, "ingest", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)

	off, err = b.Publish(ctx, "ingest", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), off)
}

func TestMemoryBrokerReplayFromOffset(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "ingest", []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	ch, err := b.Subscribe(ctx, "ingest", FromOffset(3))
	require.NoError(t, err)

	got := collect(t, ch, 3)
	assert.Equal(t, uint64(3), got[0].Offset)
	assert.Equal(t, []byte("c"), got[0].Payload)
	assert.Equal(t, uint64(5), got[2].Offset)
}

func TestMemoryBrokerFromEndSkipsHistory(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "events", []byte("old"))
	require.NoError(t, err)

	ch, err := b.Subscribe(ctx, "events", FromEnd())
	require.NoError(t, err)

	_, err = b.Publish(ctx, "events", []byte("new"))
	require.NoError(t, err)

	got := collect(t, ch, 1)
	assert.Equal(t, uint64(2), got[0].Offset)
	assert.Equal(t, []byte("new"), got[0].Payload)
}

func TestMemoryBrokerLiveDelivery(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "ingest", FromOffset(1))
	require.NoError(t, err)

	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(ctx, "ingest", []byte(fmt.Sprintf("m%d", i)))
		}
	}()

	got := collect(t, ch, 10)
	for i, msg := range got {
		assert.Equal(t, uint64(i+1), msg.Offset)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(msg.Payload))
	}
}

func TestMemoryBrokerSubscribeCancellationClosesChannel(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "ingest", FromEnd())
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryBrokerOffsetStore(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	_, found, err := b.QueryOffset(ctx, "ingest", "engine.acme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.StoreOffset(ctx, "ingest", "engine.acme", 17))

	off, found, err := b.QueryOffset(ctx, "ingest", "engine.acme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(17), off)

	// Offsets are scoped per stream and subscriber.
	_, found, err = b.QueryOffset(ctx, "events", "engine.acme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryBrokerStreamsAreIndependent(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	off, err := b.Publish(ctx, "ingest", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)

	off, err = b.Publish(ctx, "events", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)
}
