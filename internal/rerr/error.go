// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rerr defines the error kinds surfaced across component
// boundaries (spec §7), generalizing the status/error pairing idiom
// of the teacher's QueryError (intra/dnsx/queryerror.go) from DNS-query
// statuses to the resolver's full error vocabulary.
package rerr

import "errors"

// Kind enumerates the error classes callers of the resolver core see.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidArgument
	KindAlreadyExists
	KindTimeout
	KindNetworkError
	KindLimitError
	KindNoData
	KindHostNotFound
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindAlreadyExists:
		return "already_exists"
	case KindTimeout:
		return "timeout"
	case KindNetworkError:
		return "network_error"
	case KindLimitError:
		return "limit_error"
	case KindNoData:
		return "no_data"
	case KindHostNotFound:
		return "host_not_found"
	case KindInternalError:
		return "internal_error"
	default:
		return "none"
	}
}

// CoreError pairs a Kind with the underlying cause, if any.
type CoreError struct {
	kind Kind
	err  error
}

func New(k Kind, err error) *CoreError {
	return &CoreError{kind: k, err: err}
}

func (e *CoreError) Error() string {
	if e == nil {
		return "[nil]"
	}
	if e.err == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.err.Error()
}

func (e *CoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *CoreError) Kind() Kind {
	if e == nil {
		return KindNone
	}
	return e.kind
}

// Errno maps a Kind to the negative-errno wire contract of §6.
// Kinds with no wire representation (timeout, no_data, host_not_found,
// network_error are resolution outcomes, not RPC-boundary rejections)
// return 0, meaning "not an RPC-boundary error".
func (k Kind) Errno() int {
	switch k {
	case KindInvalidArgument:
		return -22 // -EINVAL
	case KindAlreadyExists:
		return -17 // -EEXIST
	default:
		return 0
	}
}

var (
	ErrInvalidArgument = New(KindInvalidArgument, nil)
	ErrAlreadyExists   = New(KindAlreadyExists, nil)
	ErrTimeout         = New(KindTimeout, nil)
	ErrNetworkError    = New(KindNetworkError, nil)
	ErrLimitError      = New(KindLimitError, nil)
	ErrNoData          = New(KindNoData, nil)
	ErrHostNotFound    = New(KindHostNotFound, nil)
	ErrInternalError   = New(KindInternalError, nil)
)

// Is reports whether err carries Kind k, unwrapping through CoreError.
func Is(err error, k Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind() == k
	}
	return false
}
