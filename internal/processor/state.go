package processor

import "fmt"

// State is a step of the job lifecycle.
type State string

const (
	StateReceived           State = "received"
	StateDecoded            State = "decoded"
	StateOriginalFetched    State = "original_fetched"
	StateOriginalPublished  State = "original_published"
	StateThumbnailDerived   State = "thumbnail_derived"
	StateThumbnailPublished State = "thumbnail_published"
	StateAcknowledged       State = "acknowledged"
	StateAbandoned          State = "abandoned"
)

// Stage names the transition that was being attempted.
type Stage string

const (
	StageDecode           Stage = "decode"
	StageStaging          Stage = "allocate_staging"
	StageFetch            Stage = "fetch_original"
	StagePublishOriginal  Stage = "publish_original"
	StageDerive           Stage = "derive_thumbnail"
	StagePublishThumbnail Stage = "publish_thumbnail"
	StageAcknowledge      Stage = "acknowledge"
)

// StageError is returned by Process when a job is abandoned.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
