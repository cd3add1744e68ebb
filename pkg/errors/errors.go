// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors re-exports the standard errors package and adds the
// kernel-wide error kinds used across the memory and scheduling
// subsystems. Components return sentinel errors wrapping one of these
// kinds so callers can branch on Kind(err) instead of string matching.
package errors

import (
	stdliberrors "errors"
	"fmt"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}

// Kind classifies a kernel error per the error handling design. Recovery
// strategy is keyed off Kind, not the underlying error string.
type Kind string

const (
	KindOutOfMemory     Kind = "out_of_memory"
	KindInvalidAddress  Kind = "invalid_address"
	KindInvalidState    Kind = "invalid_state"
	KindNameCollision   Kind = "name_collision"
	KindNotFound        Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindTimeout         Kind = "timeout"
	KindCancelled       Kind = "cancelled"
	KindLocked          Kind = "locked"
	KindDeviceError     Kind = "device_error"
)

// kindError wraps an error with a Kind so callers can recover it with
// KindOf without parsing the message.
type kindError struct {
	kind Kind
	err  error
}

func (k *kindError) Error() string { return k.err.Error() }
func (k *kindError) Unwrap() error { return k.err }

// WithKind tags err with kind. If err is nil, WithKind returns nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Newf builds a new Kind-tagged error from a format string, mirroring
// fmt.Errorf's %w support for wrapping.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind attached to err (or anywhere in its chain) and
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}

// Is lets errors.Is(err, SomeKind) work by treating a Kind value as a
// sentinel: errors.Is(err, errors.KindOutOfMemory) reports whether err
// carries that kind anywhere in its chain.
func (k Kind) Error() string { return string(k) }

func (k *kindError) Is(target error) bool {
	if tk, ok := target.(Kind); ok {
		return k.kind == tk
	}
	return false
}
