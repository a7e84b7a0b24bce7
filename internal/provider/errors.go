package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"media-pipeline/internal/models"
)

// ErrorKind tells the fallback chain whether another model might succeed.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified provider failure.
type Error struct {
	Kind   ErrorKind
	Model  string
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Model, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Model, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(model, msg string) *Error {
	return &Error{Kind: KindTransient, Model: model, Msg: msg}
}

func Permanent(model, msg string) *Error {
	return &Error{Kind: KindPermanent, Model: model, Msg: msg}
}

// statusError classifies an HTTP failure: 408, 429 and 5xx may clear up,
// any other 4xx will not.
func statusError(model string, status int, msg string) *Error {
	kind := KindPermanent
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		kind = KindTransient
	}
	return &Error{Kind: kind, Model: model, Status: status, Msg: msg}
}

// Classify maps an adapter error onto an attempt outcome. Deadline errors are
// timeouts; unclassified errors count as transient.
func Classify(err error) models.AttemptOutcome {
	if err == nil {
		return models.OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	var perr *Error
	if errors.As(err, &perr) && perr.Kind == KindPermanent {
		return models.OutcomePermanentError
	}
	return models.OutcomeTransientError
}
