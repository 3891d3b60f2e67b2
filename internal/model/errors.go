package model

import "errors"

// Error taxonomy of the job pipeline. Components wrap the underlying cause with one
// of these so callers can classify failures with errors.Is.
var (
	ErrMalformedJob = errors.New("malformed job")
	ErrFetch        = errors.New("fetch failed")
	ErrDecode       = errors.New("image decode failed")
	ErrEncode       = errors.New("image encode failed")
	ErrPublish      = errors.New("publish failed")
	ErrStaging      = errors.New("staging failed")
)
