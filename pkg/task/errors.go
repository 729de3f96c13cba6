package task

import (
	"errors"
	"fmt"
)

// ErrWaitTimeout marks a task the scheduler stopped waiting for.
var ErrWaitTimeout = errors.New("timed out waiting for task")

// Kind classifies why a task failed. No kind is retried.
type Kind string

const (
	// KindPageFetch: the page request returned a non-200 status.
	KindPageFetch Kind = "page_fetch_failed"

	// KindExtraction: the resolver found no media URL.
	KindExtraction Kind = "extraction_failed"

	// KindDownload: the media request returned a status other than 200/206.
	KindDownload Kind = "download_failed"

	// KindIntegrity: the stored file is below the integrity threshold.
	KindIntegrity Kind = "integrity_failed"

	// KindUnexpected: transport errors, I/O errors, panics and wait timeouts.
	KindUnexpected Kind = "unexpected_error"
)

// Error is a task failure with its classification.
type Error struct {
	Kind   Kind
	Status int
	Size   int64
	Err    error
}

// Error implements the error interface. The text is what ends up in the
// outcome message.
func (e *Error) Error() string {
	switch e.Kind {
	case KindPageFetch:
		return fmt.Sprintf("Page failed: HTTP %d", e.Status)
	case KindExtraction:
		return "No video URL found"
	case KindDownload:
		return fmt.Sprintf("Download failed: HTTP %d", e.Status)
	case KindIntegrity:
		return fmt.Sprintf("File too small: %dB", e.Size)
	default:
		if e.Err == nil {
			return "Error: unknown"
		}
		return fmt.Sprintf("Error: %v", e.Err)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

func unexpected(err error) *Error {
	return &Error{Kind: KindUnexpected, Err: err}
}
