// Package worker runs the receive/process loop against a queue backend.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/thumbnailer/internal/processor"
	"github.com/aliskhannn/thumbnailer/internal/queue"
)

const receiveBackoff = 500 * time.Millisecond

// jobProcessor handles one message end to end, acknowledging it on success.
type jobProcessor interface {
	Process(ctx context.Context, msg queue.Message) (processor.Result, error)
}

// Worker pulls messages one at a time and hands them to the processor.
type Worker struct {
	queue       queue.Receiver
	processor   jobProcessor
	strategy    retry.Strategy
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger
}

// New creates a Worker. maxAttempts > 0 enables dead-lettering of messages
// delivered more often than that; zero leaves redelivery to the queue.
func New(q queue.Receiver, p jobProcessor, strategy retry.Strategy, maxAttempts int, log zerolog.Logger) *Worker {
	if strategy.Attempts < 1 {
		strategy.Attempts = 1
	}

	return &Worker{
		queue:       q,
		processor:   p,
		strategy:    strategy,
		maxAttempts: maxAttempts,
		backoff:     receiveBackoff,
		log:         log,
	}
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.run(ctx, -1)
}

// RunN processes at most n messages and returns how many were handled.
// Receives that return nothing do not count.
func (w *Worker) RunN(ctx context.Context, n int) int {
	return w.run(ctx, n)
}

func (w *Worker) run(ctx context.Context, limit int) int {
	w.log.Info().Msg("starting worker")

	handled := 0
	for limit < 0 || handled < limit {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			w.log.Info().Msg("shutdown signal received, stopping worker")
			return handled
		}

		var (
			msg queue.Message
			ok  bool
		)
		err := retry.Do(func() error {
			var recvErr error
			msg, ok, recvErr = w.queue.Receive(ctx)
			return recvErr
		}, w.strategy)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Err(err).Msg("failed to receive message")
			w.sleep(ctx)
			continue
		}

		if !ok {
			continue
		}

		handled++
		w.handle(ctx, msg)
	}

	return handled
}

// handle runs a received message to completion. Shutdown does not cut a
// job short: the message has already been taken off the queue.
func (w *Worker) handle(ctx context.Context, msg queue.Message) {
	ctx = context.WithoutCancel(ctx)

	log := w.log.With().
		Str("message_id", msg.ID).
		Int("attempt", msg.Attempt).
		Logger()

	if w.maxAttempts > 0 && msg.Attempt > w.maxAttempts {
		w.deadLetter(ctx, log, msg)
		return
	}

	// The processor logs abandonment with the failing stage.
	if _, err := w.processor.Process(ctx, msg); err != nil {
		w.release(ctx, log, msg)
	}
}

func (w *Worker) deadLetter(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	reason := fmt.Sprintf("delivered %d times, limit %d", msg.Attempt, w.maxAttempts)

	dl, ok := w.queue.(queue.DeadLetterer)
	if !ok {
		log.Warn().Str("body", string(msg.Body)).Msg("max attempts exceeded, backend has no dead-letter destination")
		return
	}

	if err := dl.DeadLetter(ctx, msg, reason); err != nil {
		log.Err(err).Str("body", string(msg.Body)).Msg("failed to dead-letter message")
		return
	}

	log.Warn().Str("body", string(msg.Body)).Str("reason", reason).Msg("message moved to dead-letter destination")
}

func (w *Worker) release(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	r, ok := w.queue.(queue.Releaser)
	if !ok {
		return
	}

	if err := r.Release(ctx, msg); err != nil {
		log.Err(err).Msg("failed to release message")
		return
	}

	log.Debug().Msg("message released for redelivery")
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.backoff):
	}
}
