// Package processor drives a single queue message through the thumbnail
// pipeline: decode, fetch, publish original, derive, publish thumbnail,
// acknowledge.
package processor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aliskhannn/thumbnailer/internal/model"
	"github.com/aliskhannn/thumbnailer/internal/queue"
	"github.com/aliskhannn/thumbnailer/internal/staging"
)

// jobFetcher downloads the source image to a local path.
type jobFetcher interface {
	Fetch(ctx context.Context, sourceURL, dst string) error
}

// thumbnailDeriver writes a bounded thumbnail next to the source file and
// returns its path and format.
type thumbnailDeriver interface {
	Derive(sourcePath string) (string, string, error)
}

// objectPublisher stores a local file under key with public-read access.
type objectPublisher interface {
	Publish(ctx context.Context, key, path string) error
}

// stagingManager hands out per-job scratch space.
type stagingManager interface {
	Allocate(localName string) (staging.Paths, error)
	Release(p staging.Paths) error
}

// acknowledger retires a processed message from the queue.
type acknowledger interface {
	Ack(ctx context.Context, msg queue.Message) error
}

// Reporter receives every abandoned job. body is set when the job could
// not be decoded.
type Reporter interface {
	Report(stage string, job model.Job, body []byte, err error)
}

// Result describes how far a message got through the pipeline.
type Result struct {
	Job    model.Job
	State  State
	States []State

	OriginalKey  string
	ThumbnailKey string
	Format       string
}

func (r *Result) advance(s State) {
	r.State = s
	r.States = append(r.States, s)
}

// Processor executes jobs one at a time.
type Processor struct {
	fetcher   jobFetcher
	deriver   thumbnailDeriver
	publisher objectPublisher
	staging   stagingManager
	acker     acknowledger
	reporter  Reporter
	log       zerolog.Logger
}

// New creates a Processor. reporter may be nil.
func New(
	f jobFetcher,
	d thumbnailDeriver,
	p objectPublisher,
	s stagingManager,
	a acknowledger,
	reporter Reporter,
	log zerolog.Logger,
) *Processor {
	return &Processor{
		fetcher:   f,
		deriver:   d,
		publisher: p,
		staging:   s,
		acker:     a,
		reporter:  reporter,
		log:       log,
	}
}

// Process runs msg through the pipeline. The message is acknowledged only
// after both objects are published; on any failure it is left for
// redelivery and a *StageError is returned. Staging is released on every
// path once allocated.
func (p *Processor) Process(ctx context.Context, msg queue.Message) (Result, error) {
	res := Result{}
	res.advance(StateReceived)

	log := p.log.With().
		Str("message_id", msg.ID).
		Int("attempt", msg.Attempt).
		Logger()

	job, err := model.DecodeJob(msg.Body)
	if err != nil {
		return p.abandon(&res, log, StageDecode, msg, err)
	}
	res.Job = job
	res.advance(StateDecoded)

	log = log.With().
		Str("job_local_name", job.LocalName).
		Str("job_source_url", job.SourceURL).
		Logger()
	log.Debug().Msg("job decoded")

	paths, err := p.staging.Allocate(job.LocalName)
	if err != nil {
		return p.abandon(&res, log, StageStaging, msg, err)
	}
	defer p.release(log, paths)

	if err := p.fetcher.Fetch(ctx, job.SourceURL, paths.Original); err != nil {
		return p.abandon(&res, log, StageFetch, msg, err)
	}
	res.advance(StateOriginalFetched)
	log.Debug().Str("path", paths.Original).Msg("original fetched")

	if err := p.publisher.Publish(ctx, job.OriginalKey(), paths.Original); err != nil {
		return p.abandon(&res, log, StagePublishOriginal, msg, err)
	}
	res.OriginalKey = job.OriginalKey()
	res.advance(StateOriginalPublished)
	log.Debug().Str("key", res.OriginalKey).Msg("original published")

	thumbPath, format, err := p.deriver.Derive(paths.Original)
	if err != nil {
		return p.abandon(&res, log, StageDerive, msg, err)
	}
	res.Format = format
	res.advance(StateThumbnailDerived)
	log.Debug().Str("path", thumbPath).Str("format", format).Msg("thumbnail derived")

	if err := p.publisher.Publish(ctx, job.ThumbnailKey(), thumbPath); err != nil {
		return p.abandon(&res, log, StagePublishThumbnail, msg, err)
	}
	res.ThumbnailKey = job.ThumbnailKey()
	res.advance(StateThumbnailPublished)
	log.Debug().Str("key", res.ThumbnailKey).Msg("thumbnail published")

	if err := p.acker.Ack(ctx, msg); err != nil {
		return p.abandon(&res, log, StageAcknowledge, msg, err)
	}
	res.advance(StateAcknowledged)

	log.Info().
		Str("original_key", res.OriginalKey).
		Str("thumbnail_key", res.ThumbnailKey).
		Msg("job processed successfully")

	return res, nil
}

func (p *Processor) abandon(res *Result, log zerolog.Logger, stage Stage, msg queue.Message, err error) (Result, error) {
	res.advance(StateAbandoned)

	ev := log.Error().Err(err).Str("stage", string(stage))
	var body []byte
	if stage == StageDecode {
		body = msg.Body
		ev = ev.Str("body", string(msg.Body))
	}
	ev.Msg("job abandoned")

	if p.reporter != nil {
		p.reporter.Report(string(stage), res.Job, body, err)
	}

	return *res, &StageError{Stage: stage, Err: err}
}

func (p *Processor) release(log zerolog.Logger, paths staging.Paths) {
	if err := p.staging.Release(paths); err != nil {
		log.Warn().Err(err).Str("dir", paths.Dir).Msg("failed to release staging")
	}
}
