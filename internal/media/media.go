// Package media is the contract with the external fetch/transcode tool. The
// pipeline treats its output as an opaque artifact.
package media

import (
	"context"
	"errors"
)

type Request struct {
	TaskID    string
	Kind      string
	TargetRef string
	Title     string
}

type Artifact struct {
	Ref             string `json:"artifactRef"`
	Title           string `json:"title,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Artifact, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (Artifact, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Artifact, error) { return f(ctx, req) }

// Retryable tags a transient failure (network, upstream 5xx).
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err}
}

// Permanent tags a failure that will not change on retry (bad link,
// unsupported format, size limit).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
