package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is matched by errors returned when the input cannot be opened. It is fatal for a run.
	ErrSourceUnavailable = errors.New("deal source unavailable")
	// ErrMalformedStream is matched by errors returned when the input is not a JSON object of deals. It is fatal
	// for a run.
	ErrMalformedStream = errors.New("malformed deal stream")
)

// SourceError describes a failure to open or read the transport of a deal source.
type SourceError struct {
	Locator string
	Err     error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSourceUnavailable, e.Locator, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }

// StreamError describes JSON that cannot be decoded at a byte offset of the input.
type StreamError struct {
	Offset int64
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", ErrMalformedStream, e.Offset, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool { return target == ErrMalformedStream }

// TranscodeError reports a deal that cannot be converted to a row. Only the batch holding the deal is abandoned.
type TranscodeError struct {
	Key   string
	Field string
	Err   error
}

func (e *TranscodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("transcode deal %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("transcode deal %s: field %s: %v", e.Key, e.Field, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// WriteFailure reports a batch the store rejected. The batch is not retried; the next run upserts it again.
type WriteFailure struct {
	FirstKey string
	LastKey  string
	Count    int
	Err      error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("failed to insert %d deals from %s to %s: %v", e.Count, e.FirstKey, e.LastKey, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }
