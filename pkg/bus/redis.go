package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// dedupTTL bounds the per-subject dedup set; an id older than this can in
// principle be redelivered, which at-least-once consumers already tolerate.
const dedupTTL = 24 * time.Hour

// publishScript adds the message to the subject stream only when its id has
// not been seen on that subject, making dedup and append atomic.
var publishScript = redis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[3]) == false then
	return 0
end
redis.call("XADD", KEYS[2], "*", "id", ARGV[1], "data", ARGV[2])
return 1
`)

// RedisBus is the Redis Streams transport: one stream per subject, consumer
// groups for competing consumers, per-subject message-id dedup.
type RedisBus struct {
	client *redis.Client
	prefix string
	block  time.Duration
	logger *slog.Logger
}

// NewRedisBus wraps an existing client. prefix namespaces the stream keys,
// defaulting to "oms".
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "oms"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		block:  5 * time.Second,
		logger: slog.Default().With("component", "redis-bus"),
	}
}

func (b *RedisBus) streamKey(subject string) string {
	return fmt.Sprintf("%s:stream:%s", b.prefix, subject)
}

func (b *RedisBus) dedupKey(subject, id string) string {
	return fmt.Sprintf("%s:dedup:%s:%s", b.prefix, subject, id)
}

func (b *RedisBus) Publish(ctx context.Context, msg *Message) error {
	added, err := publishScript.Run(ctx, b.client,
		[]string{b.dedupKey(msg.Subject, msg.ID), b.streamKey(msg.Subject)},
		msg.ID, string(msg.Data), dedupTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", msg.Subject, err)
	}
	if added == 0 {
		return ErrDuplicate
	}
	return nil
}

type redisSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *redisSub) Unsubscribe() error {
	s.cancel()
	<-s.done
	return nil
}

// Subscribe starts a consumer-group reader on the subject. Streams key on
// exact subjects, so wildcard patterns are rejected here; callers that need
// fan-in subscribe per subject.
func (b *RedisBus) Subscribe(ctx context.Context, pattern, group string, h Handler) (Subscription, error) {
	if strings.ContainsAny(pattern, "*>") {
		return nil, fmt.Errorf("bus: redis streams require exact subjects, got %q", pattern)
	}
	stream := b.streamKey(pattern)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("bus: create group %s on %s: %w", group, pattern, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{cancel: cancel, done: make(chan struct{})}
	consumer := fmt.Sprintf("%s-%d", group, time.Now().UnixNano())
	go b.consume(runCtx, sub, stream, pattern, group, consumer, h)
	return sub, nil
}

func (b *RedisBus) consume(ctx context.Context, sub *redisSub, stream, subject, group, consumer string, h Handler) {
	defer close(sub.done)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("stream read failed, retrying", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, entry := range s.Messages {
				msg := &Message{
					ID:      stringField(entry.Values, "id"),
					Subject: subject,
					Data:    []byte(stringField(entry.Values, "data")),
				}
				if err := h(ctx, msg); err != nil {
					// Leave unacked; the pending entry list redelivers it.
					b.logger.Warn("handler nacked message",
						"subject", subject, "message_id", msg.ID, "error", err)
					continue
				}
				if err := b.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
					b.logger.Warn("ack failed", "stream", stream, "entry", entry.ID, "error", err)
				}
			}
		}
	}
}

func stringField(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
