package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Storage key prefixes for the two objects committed per job.
const (
	OriginalKeyPrefix  = "ORIGINAL-"
	ThumbnailKeyPrefix = "THUMB-"
)

// Wire field names of a job body.
const (
	sourceURLField = "img_src_url"
	localNameField = "img_local_name"
)

// Job represents one image processing job decoded from a queue message.
type Job struct {
	SourceURL string `json:"img_src_url"`    // remote location of the image
	LocalName string `json:"img_local_name"` // identifier for staging files and storage keys
}

// OriginalKey returns the storage key of the fetched source image.
func (j Job) OriginalKey() string {
	return OriginalKeyPrefix + j.LocalName
}

// ThumbnailKey returns the storage key of the derived thumbnail.
func (j Job) ThumbnailKey() string {
	return ThumbnailKeyPrefix + j.LocalName
}

// Validate reports ErrMalformedJob when a required field is missing or blank.
func (j Job) Validate() error {
	var missing []string
	if strings.TrimSpace(j.SourceURL) == "" {
		missing = append(missing, sourceURLField)
	}
	if strings.TrimSpace(j.LocalName) == "" {
		missing = append(missing, localNameField)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedJob, strings.Join(missing, ", "))
	}

	return nil
}

// DecodeJob parses a queue message body into a Job.
//
// The body must be exactly one JSON object carrying both img_src_url and
// img_local_name as non-empty strings. Keys are matched exactly. Anything
// else yields an error wrapping ErrMalformedJob.
func DecodeJob(raw []byte) (Job, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrMalformedJob, err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Job{}, fmt.Errorf("%w: unexpected data after job object", ErrMalformedJob)
	}

	var job Job
	for key, dst := range map[string]*string{
		sourceURLField: &job.SourceURL,
		localNameField: &job.LocalName,
	} {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return Job{}, fmt.Errorf("%w: %s: %w", ErrMalformedJob, key, err)
		}
	}

	if err := job.Validate(); err != nil {
		return Job{}, err
	}

	return job, nil
}

// EncodeJob serializes a Job into its wire form.
func EncodeJob(job Job) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	return data, nil
}
