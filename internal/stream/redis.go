package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "correlator:stream:"
	readBlock = 5 * time.Second
	readCount = 128
)

// RedisBroker implements Broker on Redis Streams. Each Publish increments a
// per-stream sequence counter and appends with the explicit entry ID "<seq>-0",
// which keeps the Broker offset contract (dense, monotonic, starting at 1)
// independent of Redis server time.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker connects to the given Redis address. An empty addr falls
// back to localhost:6379.
func NewRedisBroker(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisBroker, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}
	logger.Info("connected to redis stream broker", "addr", addr, "db", db)
	return &RedisBroker{client: client, logger: logger}, nil
}

func streamKey(stream string) string {
	return keyPrefix + stream
}

func seqKey(stream string) string {
	return keyPrefix + stream + ":seq"
}

func offsetKey(stream, subscriber string) string {
	return keyPrefix + stream + ":offsets:" + subscriber
}

func (b *RedisBroker) Publish(ctx context.Context, stream string, payload []byte) (uint64, error) {
	seq, err := b.client.Incr(ctx, seqKey(stream)).Result()
	if err != nil {
		return 0, fmt.Errorf("advance %s sequence: %w", stream, err)
	}
	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(stream),
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", stream, err)
	}
	return uint64(seq), nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, stream string, pos Position) (<-chan Message, error) {
	lastID := "$"
	if pos.FromStart() {
		// XRead is exclusive of lastID, so start one entry before.
		start := pos.Offset()
		if start == 0 {
			start = 1
		}
		lastID = fmt.Sprintf("%d-0", start-1)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey(stream), lastID},
				Count:   readCount,
				Block:   readBlock,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("stream read failed", "stream", stream, "error", err)
				return
			}
			for _, sr := range res {
				for _, entry := range sr.Messages {
					offset, err := parseEntryID(entry.ID)
					if err != nil {
						b.logger.Error("malformed stream entry id", "stream", stream, "id", entry.ID)
						continue
					}
					payload := entryPayload(entry.Values)
					select {
					case out <- Message{Offset: offset, Payload: payload}:
						lastID = entry.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) StoreOffset(ctx context.Context, stream, subscriber string, offset uint64) error {
	if err := b.client.Set(ctx, offsetKey(stream, subscriber), offset, 0).Err(); err != nil {
		return fmt.Errorf("store offset for %s on %s: %w", subscriber, stream, err)
	}
	return nil
}

func (b *RedisBroker) QueryOffset(ctx context.Context, stream, subscriber string) (uint64, bool, error) {
	val, err := b.client.Get(ctx, offsetKey(stream, subscriber)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query offset for %s on %s: %w", subscriber, stream, err)
	}
	offset, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("stored offset for %s on %s is not numeric: %q", subscriber, stream, val)
	}
	return offset, true, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func parseEntryID(id string) (uint64, error) {
	seq, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("entry id %q has no sequence part", id)
	}
	return strconv.ParseUint(seq, 10, 64)
}

func entryPayload(values map[string]any) []byte {
	switch v := values["payload"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}
