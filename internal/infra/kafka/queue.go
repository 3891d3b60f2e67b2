// Package kafka implements the job queue on a Kafka topic consumed through
// a consumer group.
//
// Kafka has no per-message visibility timeout: offsets are committed in
// order, so an abandoned message is re-appended to the topic (Release)
// instead of being left uncommitted behind later successful ones. The copy
// carries a not-before timestamp that Receive waits out, so released jobs
// come back after the redelivery delay rather than immediately.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/thumbnailer/internal/queue"
)

const (
	attemptHeader   = "x-attempt"
	reasonHeader    = "x-dead-letter-reason"
	notBeforeHeader = "x-not-before"

	defaultWaitTime = 10 * time.Second
)

// consumer fetches and commits messages of one consumer group.
type consumer interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
	Close() error
}

// producer sends values to the work topic.
type producer interface {
	Send(ctx context.Context, key, value []byte) error
	Close() error
}

// writer writes fully specified messages (topic and headers included).
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures the Kafka queue.
type Options struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string

	// WaitTime bounds a single fetch.
	WaitTime time.Duration

	// RedeliveryDelay is how long a released message stays invisible,
	// counted from when it was received.
	RedeliveryDelay time.Duration
}

// Queue is a Kafka work queue.
type Queue struct {
	consumer consumer
	producer producer
	writer   writer

	topic     string
	deadTopic string
	wait      time.Duration
	delay     time.Duration
}

// New connects a wbf consumer and producer for the topic and a writer for
// requeued and dead-lettered messages.
func New(opts Options, strategy retry.Strategy) (*Queue, error) {
	if len(opts.Brokers) == 0 || opts.Topic == "" || opts.GroupID == "" {
		return nil, errors.New("kafka queue: brokers, topic and group id are required")
	}

	w := &kafka.Writer{
		Addr:     kafka.TCP(opts.Brokers...),
		Balancer: &kafka.Hash{},
	}

	return newQueue(
		wbfConsumer{c: wbfkafka.NewConsumer(opts.Brokers, opts.Topic, opts.GroupID)},
		wbfProducer{p: wbfkafka.NewProducer(opts.Brokers, opts.Topic), strategy: strategy},
		w,
		opts,
	), nil
}

func newQueue(c consumer, p producer, w writer, opts Options) *Queue {
	wait := opts.WaitTime
	if wait <= 0 {
		wait = defaultWaitTime
	}

	deadTopic := opts.DeadLetterTopic
	if deadTopic == "" {
		deadTopic = opts.Topic + ".dead"
	}

	return &Queue{
		consumer:  c,
		producer:  p,
		writer:    w,
		topic:     opts.Topic,
		deadTopic: deadTopic,
		wait:      wait,
		delay:     opts.RedeliveryDelay,
	}
}

// Receive fetches the next message, waiting at most the configured window
// for one to arrive. A fetched message that is not yet due is held until
// its not-before time.
func (q *Queue) Receive(ctx context.Context) (queue.Message, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, q.wait)
	defer cancel()

	msg, err := q.consumer.Fetch(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return queue.Message{}, false, nil
		}
		return queue.Message{}, false, fmt.Errorf("fetch message: %w", err)
	}

	id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)

	if until := time.Until(notBefore(msg)); until > 0 {
		timer := time.NewTimer(until)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return queue.Message{}, false, fmt.Errorf("wait for redelivery of %s: %w", id, ctx.Err())
		case <-timer.C:
		}
	}

	return queue.NewMessage(id, msg.Value, attempt(msg), msg), true, nil
}

// Ack commits the message offset.
func (q *Queue) Ack(ctx context.Context, msg queue.Message) error {
	km, err := kafkaMessage(msg)
	if err != nil {
		return err
	}

	if err := q.consumer.Commit(ctx, km); err != nil {
		return fmt.Errorf("commit %s: %w", msg.ID, err)
	}

	return nil
}

// Send enqueues a job body on the work topic.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	if err := q.producer.Send(ctx, nil, body); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// Release appends a copy of the message with an incremented attempt
// header and commits the original offset. With a redelivery delay the copy
// is not delivered before ReceivedAt plus the delay.
func (q *Queue) Release(ctx context.Context, msg queue.Message) error {
	km, err := kafkaMessage(msg)
	if err != nil {
		return err
	}

	next := msg.Attempt + 1
	if next < 2 {
		next = 2
	}

	headers := []kafka.Header{{Key: attemptHeader, Value: []byte(strconv.Itoa(next))}}
	if q.delay > 0 {
		due := msg.ReceivedAt.Add(q.delay).UnixMilli()
		headers = append(headers, kafka.Header{Key: notBeforeHeader, Value: []byte(strconv.FormatInt(due, 10))})
	}

	return q.forward(ctx, km, q.topic, headers...)
}

// DeadLetter moves the message to the dead-letter topic and commits it.
func (q *Queue) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	km, err := kafkaMessage(msg)
	if err != nil {
		return err
	}

	return q.forward(ctx, km, q.deadTopic,
		kafka.Header{Key: attemptHeader, Value: []byte(strconv.Itoa(msg.Attempt))},
		kafka.Header{Key: reasonHeader, Value: []byte(reason)},
	)
}

func (q *Queue) forward(ctx context.Context, km kafka.Message, topic string, headers ...kafka.Header) error {
	out := kafka.Message{
		Topic:   topic,
		Key:     km.Key,
		Value:   km.Value,
		Headers: headers,
	}

	if err := q.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}

	if err := q.consumer.Commit(ctx, km); err != nil {
		return fmt.Errorf("commit %s/%d/%d: %w", km.Topic, km.Partition, km.Offset, err)
	}

	return nil
}

// Close closes the consumer, producer and writer.
func (q *Queue) Close() error {
	return errors.Join(q.consumer.Close(), q.producer.Close(), q.writer.Close())
}

func kafkaMessage(msg queue.Message) (kafka.Message, error) {
	km, ok := msg.Handle().(kafka.Message)
	if !ok {
		return kafka.Message{}, fmt.Errorf("message %q is not a kafka message", msg.ID)
	}

	return km, nil
}

// attempt reads the attempt header; messages without one are on their
// first delivery.
func attempt(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key != attemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}

	return 1
}

// notBefore reads the not-before header as a unix millisecond timestamp.
// The zero time means the message is due now.
func notBefore(msg kafka.Message) time.Time {
	for _, h := range msg.Headers {
		if h.Key != notBeforeHeader {
			continue
		}
		if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}

	return time.Time{}
}

type wbfConsumer struct {
	c *wbfkafka.Consumer
}

func (w wbfConsumer) Fetch(ctx context.Context) (kafka.Message, error) {
	return w.c.Fetch(ctx)
}

func (w wbfConsumer) Commit(ctx context.Context, msg kafka.Message) error {
	return w.c.Commit(ctx, msg)
}

func (w wbfConsumer) Close() error {
	return w.c.Close()
}

type wbfProducer struct {
	p        *wbfkafka.Producer
	strategy retry.Strategy
}

func (w wbfProducer) Send(ctx context.Context, key, value []byte) error {
	return w.p.SendWithRetry(ctx, w.strategy, key, value)
}

func (w wbfProducer) Close() error {
	return w.p.Close()
}
