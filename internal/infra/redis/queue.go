// Package redis implements the job queue on top of Redis Streams consumer
// groups.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aliskhannn/thumbnailer/internal/queue"
)

const (
	payloadField = "payload"
	reasonField  = "reason"
	sourceField  = "source_id"

	defaultBlock = 10 * time.Second
)

// Options configures the stream queue.
type Options struct {
	Stream   string
	Group    string
	Consumer string

	// Block is how long XREADGROUP waits for a new entry.
	Block time.Duration
	// VisibilityTimeout is how long an entry may stay pending before another
	// consumer reclaims it. Zero disables reclaiming.
	VisibilityTimeout time.Duration

	DeadLetterStream string
	MaxLen           int64
}

// Queue is a Redis Streams work queue.
type Queue struct {
	rc   redis.UniversalClient
	opts Options
	log  zerolog.Logger
}

// New creates the consumer group (with MKSTREAM) if it does not exist yet.
func New(ctx context.Context, rc redis.UniversalClient, opts Options, log zerolog.Logger) (*Queue, error) {
	if opts.Stream == "" || opts.Group == "" {
		return nil, errors.New("redis queue: stream and group are required")
	}
	if opts.Consumer == "" {
		opts.Consumer = "thumbnailer-" + uuid.NewString()
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = opts.Stream + ":dead"
	}

	err := rc.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s: %w", opts.Group, err)
	}

	return &Queue{rc: rc, opts: opts, log: log}, nil
}

// Receive returns one entry. Entries pending longer than the visibility
// timeout are reclaimed before new entries are read.
func (q *Queue) Receive(ctx context.Context) (queue.Message, bool, error) {
	if q.opts.VisibilityTimeout > 0 {
		msgs, _, err := q.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.VisibilityTimeout,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil {
			return queue.Message{}, false, fmt.Errorf("xautoclaim %s: %w", q.opts.Stream, err)
		}
		if len(msgs) > 0 {
			return q.message(ctx, msgs[0]), true, nil
		}
	}

	streams, err := q.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    q.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return queue.Message{}, false, nil
	}
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("xreadgroup %s: %w", q.opts.Stream, err)
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			return q.message(ctx, m), true, nil
		}
	}

	return queue.Message{}, false, nil
}

func (q *Queue) message(ctx context.Context, m redis.XMessage) queue.Message {
	// A missing or non-string payload yields an empty body, which fails
	// job decoding downstream like any other malformed message.
	raw, _ := m.Values[payloadField].(string)

	return queue.NewMessage(m.ID, []byte(raw), q.deliveryCount(ctx, m.ID), m.ID)
}

func (q *Queue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		q.log.Warn().Err(err).Str("message_id", id).Msg("failed to read delivery count")
		return 0
	}

	return int(pending[0].RetryCount)
}

// Ack acknowledges the entry in the consumer group.
func (q *Queue) Ack(ctx context.Context, msg queue.Message) error {
	id, ok := msg.Handle().(string)
	if !ok {
		return fmt.Errorf("xack: message %q has no stream id", msg.ID)
	}

	if err := q.rc.XAck(ctx, q.opts.Stream, q.opts.Group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}

	return nil
}

// Send appends a job body to the stream.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	return q.add(ctx, q.opts.Stream, map[string]any{payloadField: string(body)})
}

// DeadLetter copies the entry to the dead-letter stream and acknowledges it.
func (q *Queue) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	err := q.add(ctx, q.opts.DeadLetterStream, map[string]any{
		payloadField: string(msg.Body),
		reasonField:  reason,
		sourceField:  msg.ID,
	})
	if err != nil {
		return err
	}

	return q.Ack(ctx, msg)
}

func (q *Queue) add(ctx context.Context, stream string, values map[string]any) error {
	err := q.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.opts.MaxLen,
		Approx: q.opts.MaxLen > 0,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}

	return nil
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.rc.Close()
}
