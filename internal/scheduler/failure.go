package scheduler

import (
	"context"
	"errors"

	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
)

// FailureKind classifies why a run did not produce a result.
type FailureKind string

const (
	FailureCaptureUnavailable FailureKind = "CaptureUnavailable"
	FailureCaptureFailed      FailureKind = "CaptureFailed"
	FailureBackendNotReady    FailureKind = "BackendNotReady"
	FailureBackendBusy        FailureKind = "BackendBusy"
	FailureBackendError       FailureKind = "BackendError"
	FailureCancelled          FailureKind = "Cancelled"
)

// Failure is the outcome of a run that did not succeed.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Surfaced reports whether the failure is shown to the user as an error.
func (f *Failure) Surfaced() bool {
	return f.Kind != FailureCancelled
}

func captureFailure(err error) *Failure {
	switch {
	case errors.Is(err, context.Canceled):
		return &Failure{Kind: FailureCancelled, Err: err}
	case capture.IsUnavailable(err):
		return &Failure{Kind: FailureCaptureUnavailable, Err: err}
	default:
		return &Failure{Kind: FailureCaptureFailed, Err: err}
	}
}

// backendFailure classifies a submit error. cancelRequested is set when the
// run was asked to stop, in which case any error counts as a cancellation.
func backendFailure(err error, cancelRequested bool) *Failure {
	if cancelRequested || errors.Is(err, context.Canceled) {
		return &Failure{Kind: FailureCancelled, Err: err}
	}
	switch backend.KindOf(err) {
	case backend.KindNotReady, backend.KindNotFound:
		return &Failure{Kind: FailureBackendNotReady, Err: err}
	case backend.KindBusy:
		return &Failure{Kind: FailureBackendBusy, Err: err}
	default:
		return &Failure{Kind: FailureBackendError, Err: err}
	}
}
