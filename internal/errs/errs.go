// Package errs holds the error kinds shared across the node and client.
package errs

import "errors"

var (
	ErrTransport          = errors.New("transport error")
	ErrStaleKey           = errors.New("stale section key")
	ErrValidation         = errors.New("validation failed")
	ErrDataNotFound       = errors.New("data not found")
	ErrInsufficientAdults = errors.New("insufficient adults")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrAggregationTimeout = errors.New("aggregation timeout")
	ErrDkgTimeout         = errors.New("dkg timeout")
	ErrFatalConfig        = errors.New("fatal config error")
	ErrQueryTimeout       = errors.New("query timeout")
)

// Code is the wire form of an error kind carried in responses.
type Code string

const (
	CodeNone               Code = ""
	CodeDataNotFound       Code = "data_not_found"
	CodeInsufficientAdults Code = "insufficient_adults"
	CodePermissionDenied   Code = "permission_denied"
	CodeCapacityExceeded   Code = "capacity_exceeded"
	CodeValidation         Code = "validation"
	CodeInternal           Code = "internal"
)

var codeErrors = map[Code]error{
	CodeDataNotFound:       ErrDataNotFound,
	CodeInsufficientAdults: ErrInsufficientAdults,
	CodePermissionDenied:   ErrPermissionDenied,
	CodeCapacityExceeded:   ErrCapacityExceeded,
	CodeValidation:         ErrValidation,
}

// FromCode maps a wire code back to a sentinel; unknown codes become a plain error.
func FromCode(c Code, detail string) error {
	if c == CodeNone {
		return nil
	}
	base, ok := codeErrors[c]
	if !ok {
		return errors.New(string(c) + ": " + detail)
	}
	if detail == "" {
		return base
	}
	return &wrapped{base: base, detail: detail}
}

func ToCode(err error) Code {
	if err == nil {
		return CodeNone
	}
	for c, base := range codeErrors {
		if errors.Is(err, base) {
			return c
		}
	}
	return CodeInternal
}

type wrapped struct {
	base   error
	detail string
}

func (w *wrapped) Error() string { return w.base.Error() + ": " + w.detail }

func (w *wrapped) Unwrap() error { return w.base }
