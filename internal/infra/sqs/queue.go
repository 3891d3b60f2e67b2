// Package sqs implements the job queue on Amazon SQS.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/aliskhannn/thumbnailer/internal/queue"
)

const (
	defaultWaitTime = 10 * time.Second
	maxWaitTime     = 20 * time.Second

	reasonAttribute = "dead_letter_reason"
)

// client is the subset of the SQS API the queue uses.
type client interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Options configures the SQS queue.
type Options struct {
	QueueName           string
	DeadLetterQueueName string

	// WaitTime is the long-polling window of a receive call (at most 20s).
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue's own visibility timeout when set.
	VisibilityTimeout time.Duration

	Region   string
	Endpoint string
}

// Queue is an SQS work queue.
type Queue struct {
	cli           client
	url           string
	deadLetterURL string
	waitSeconds   int32
	visibility    int32
}

// Dial builds an SQS client from the default AWS credential chain and
// resolves the configured queues.
func Dial(ctx context.Context, opts Options) (*Queue, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	cli := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return New(ctx, cli, opts)
}

// New resolves queue URLs by name and returns a Queue over cli.
func New(ctx context.Context, cli client, opts Options) (*Queue, error) {
	if opts.QueueName == "" {
		return nil, errors.New("sqs queue: queue name is required")
	}

	wait := opts.WaitTime
	if wait <= 0 {
		wait = defaultWaitTime
	}
	if wait > maxWaitTime {
		wait = maxWaitTime
	}

	q := &Queue{
		cli:         cli,
		waitSeconds: int32(wait / time.Second),
		visibility:  int32(opts.VisibilityTimeout / time.Second),
	}

	var err error
	if q.url, err = q.resolve(ctx, opts.QueueName); err != nil {
		return nil, err
	}

	if opts.DeadLetterQueueName != "" {
		if q.deadLetterURL, err = q.resolve(ctx, opts.DeadLetterQueueName); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func (q *Queue) resolve(ctx context.Context, name string) (string, error) {
	out, err := q.cli.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get queue url %s: %w", name, err)
	}

	return aws.ToString(out.QueueUrl), nil
}

// Receive long-polls for a single message. The message stays invisible to
// other consumers until it is deleted or the visibility timeout expires.
func (q *Queue) Receive(ctx context.Context) (queue.Message, bool, error) {
	out, err := q.cli.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.waitSeconds,
		VisibilityTimeout:   q.visibility,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("receive message: %w", err)
	}

	if len(out.Messages) == 0 {
		return queue.Message{}, false, nil
	}

	m := out.Messages[0]
	attempt, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	return queue.NewMessage(
		aws.ToString(m.MessageId),
		[]byte(aws.ToString(m.Body)),
		attempt,
		aws.ToString(m.ReceiptHandle),
	), true, nil
}

// Ack deletes the message using its receipt handle.
func (q *Queue) Ack(ctx context.Context, msg queue.Message) error {
	receipt, ok := msg.Handle().(string)
	if !ok || receipt == "" {
		return fmt.Errorf("delete message %s: missing receipt handle", msg.ID)
	}

	_, err := q.cli.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}

	return nil
}

// Send enqueues a job body.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	_, err := q.cli.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// DeadLetter forwards the message to the dead-letter queue and deletes it
// from the work queue. Without a configured dead-letter queue the message
// is left untouched.
func (q *Queue) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	if q.deadLetterURL == "" {
		return errors.New("dead-letter queue is not configured")
	}

	_, err := q.cli.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.deadLetterURL),
		MessageBody: aws.String(string(msg.Body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			reasonAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send to dead-letter queue: %w", err)
	}

	return q.Ack(ctx, msg)
}

// Close is a no-op; the SQS client holds no connections that need closing.
func (q *Queue) Close() error {
	return nil
}
