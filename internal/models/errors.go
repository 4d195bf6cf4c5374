package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindForbidden        ErrorKind = "forbidden"
	KindCapacity         ErrorKind = "capacity"
	KindInvalidState     ErrorKind = "invalid_state"
	KindDuplicateRequest ErrorKind = "duplicate_request"
	KindAlreadyRated     ErrorKind = "already_rated"
	KindNotParticipant   ErrorKind = "not_participant"
)

// Error is a domain error reported to callers. Two errors are equal under
// errors.Is when their kinds match, so the sentinels below work as classes.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrCapacity         = &Error{Kind: KindCapacity}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrDuplicateRequest = &Error{Kind: KindDuplicateRequest}
	ErrAlreadyRated     = &Error{Kind: KindAlreadyRated}
	ErrNotParticipant   = &Error{Kind: KindNotParticipant}
)

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the domain kind of err, or "" for infrastructure errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
