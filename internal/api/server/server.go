// Package server builds the listener for the ops endpoints.
package server

import (
	"net/http"
	"time"
)

const (
	headerTimeout = 2 * time.Second
	bodyTimeout   = 5 * time.Second
	replyTimeout  = 10 * time.Second
	keepAlive     = time.Minute
)

// New serves h on addr.
func New(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: headerTimeout,
		ReadTimeout:       bodyTimeout,
		WriteTimeout:      replyTimeout,
		IdleTimeout:       keepAlive,
	}
}
