// Package storage persists finished call media: the object store that
// recordings and screenshots are uploaded to, and the index that records
// where each upload ended up.
package storage

import (
	"context"
	"errors"
	"time"
)

// Uploader is the sink a finished recording is handed to. It returns a URL
// the remote participant can use to fetch the object.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string, metadata map[string]string, onProgress ProgressFunc) (string, error)
}

// ProgressFunc is called to report upload progress
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

// Percent converts a byte count into a 0-100 progress value.
func Percent(transferred, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(transferred * 100 / total)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// Recording is one row of the recording index.
type Recording struct {
	ID          string    `db:"id" json:"id"`
	CallID      string    `db:"call_id" json:"callId"`
	ClaimID     string    `db:"claim_id" json:"claimId"`
	ClaimNumber string    `db:"claim_number" json:"claimNumber"`
	URL         string    `db:"url" json:"url"`
	ContentType string    `db:"content_type" json:"contentType"`
	SizeBytes   int64     `db:"size_bytes" json:"sizeBytes"`
	Chunks      int       `db:"chunks" json:"chunks"`
	StartedBy   string    `db:"started_by" json:"startedBy"`
	StoppedBy   string    `db:"stopped_by" json:"stoppedBy"`
	StartedAt   time.Time `db:"started_at" json:"startedAt"`
	StoppedAt   time.Time `db:"stopped_at" json:"stoppedAt"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// RecordingIndex stores metadata about completed uploads.
type RecordingIndex interface {
	SaveRecording(ctx context.Context, rec *Recording) error
	RecordingsForClaim(ctx context.Context, claimID string) ([]*Recording, error)
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a StorageError worth another attempt.
func IsRetryable(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return false
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}
