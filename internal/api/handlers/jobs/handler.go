package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/thumbnailer/internal/api/respond"
	"github.com/aliskhannn/thumbnailer/internal/model"
)

const maxBodySize = 64 << 10

// sender enqueues a serialized job.
type sender interface {
	Send(ctx context.Context, body []byte) error
}

// Handler provides HTTP handlers for job submission.
type Handler struct {
	sender sender
	log    zerolog.Logger
}

// NewHandler creates a new Handler that enqueues jobs through s.
func NewHandler(s sender, log zerolog.Logger) *Handler {
	return &Handler{sender: s, log: log}
}

// Enqueue validates a job descriptor and puts it on the work queue.
// Malformed descriptors are rejected with 400 and never reach the queue.
func (h *Handler) Enqueue(c *ginext.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to read body"))
		return
	}

	job, err := model.DecodeJob(raw)
	if err != nil {
		if errors.Is(err, model.ErrMalformedJob) {
			h.log.Warn().Err(err).Str("body", string(raw)).Msg("rejected malformed job")
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}

		respond.Fail(c, http.StatusInternalServerError, err)
		return
	}

	body, err := model.EncodeJob(job)
	if err != nil {
		respond.Fail(c, http.StatusInternalServerError, err)
		return
	}

	if err := h.sender.Send(c.Request.Context(), body); err != nil {
		h.log.Err(err).Str("job_local_name", job.LocalName).Msg("failed to enqueue job")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to enqueue job"))
		return
	}

	h.log.Info().
		Str("job_local_name", job.LocalName).
		Str("job_source_url", job.SourceURL).
		Msg("job enqueued")

	respond.Accepted(c, job)
}
