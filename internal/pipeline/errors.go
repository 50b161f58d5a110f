package pipeline

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindCollaboratorUnavailable covers an unreachable or timed out fleet,
	// analysis backend or notifier. Never fatal.
	KindCollaboratorUnavailable Kind = "collaborator_unavailable"
	KindResolutionMiss          Kind = "resolution_miss"
	KindRecordNotFound          Kind = "record_not_found"
	// KindWatermark aborts the current run; the next tick retries.
	KindWatermark   Kind = "watermark"
	KindPersistence Kind = "persistence"
)

type Error struct {
	Kind     Kind
	Op       string
	RecordID int64
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RecordID != 0 {
		msg = fmt.Sprintf("%s (record %d)", msg, e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so callers can test with the
// sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrCollaboratorUnavailable = &Error{Kind: KindCollaboratorUnavailable}
	ErrResolutionMiss          = &Error{Kind: KindResolutionMiss}
	ErrRecordNotFound          = &Error{Kind: KindRecordNotFound}
	ErrWatermark               = &Error{Kind: KindWatermark}
	ErrPersistence             = &Error{Kind: KindPersistence}
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
