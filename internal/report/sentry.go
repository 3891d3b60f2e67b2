// Package report forwards abandoned jobs to Sentry.
package report

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/aliskhannn/thumbnailer/internal/model"
)

// Sentry reports pipeline failures as Sentry exceptions.
type Sentry struct {
	hub *sentry.Hub
}

// Init configures the global Sentry client and returns a reporter bound
// to its hub.
func Init(dsn, environment, release string) (*Sentry, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}

	return NewSentry(sentry.CurrentHub()), nil
}

// NewSentry returns a reporter that captures through hub.
func NewSentry(hub *sentry.Hub) *Sentry {
	return &Sentry{hub: hub}
}

// Report captures err tagged with the failing stage and the job identity.
// When the job could not be decoded the raw body is attached instead.
func (s *Sentry) Report(stage string, job model.Job, body []byte, err error) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)

		if job.LocalName != "" {
			scope.SetTag("job_local_name", job.LocalName)
			scope.SetExtra("job_source_url", job.SourceURL)
		}
		if body != nil {
			scope.SetExtra("body", string(body))
		}

		s.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
