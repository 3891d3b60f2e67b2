package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aliskhannn/thumbnailer/internal/model"
)

const defaultTimeout = 60 * time.Second

// Fetcher downloads remote images into local staging files.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher. A nil client gets a default one with the given timeout
// (or one minute when timeout is zero).
func New(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Fetcher{client: client}
}

// Fetch streams the body of sourceURL into dst, replacing any existing file.
//
// Only a 200 response counts as success. On any failure the partially written
// file is removed, so dst never holds an incomplete image after an error.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, dst string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request for %s: %w", model.ErrFetch, sourceURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", model.ErrFetch, sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return fmt.Errorf("%w: get %s: unexpected status %s", model.ErrFetch, sourceURL, resp.Status)
	}

	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", model.ErrFetch, dst, err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(file, resp.Body); err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: write %s: %w", model.ErrFetch, dst, err)
	}

	if err = file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", model.ErrFetch, dst, err)
	}

	return nil
}
