// Package jfrerr defines the error kinds reported while decoding a recording.
package jfrerr

import (
	"errors"
	"fmt"
	"io"
)

// ErrOutOfRange is wrapped by a TruncatedError produced by a seek past the end
// of the data.
var ErrOutOfRange = errors.New("position out of range")

// FormatError reports malformed recording content: a header tag mismatch, an
// unknown element or type tag, or a value outside its declared bounds. It is
// fatal to the current chunk only.
type FormatError struct {
	Offset int64
	err    error
}

func Formatf(offset int64, format string, args ...any) *FormatError {
	return &FormatError{Offset: offset, err: fmt.Errorf(format, args...)}
}

func (e *FormatError) Error() string {
	if e.Offset < 0 {
		return "jfr format: " + e.err.Error()
	}
	return fmt.Sprintf("jfr format at offset %d: %s", e.Offset, e.err)
}

func (e *FormatError) Unwrap() error { return e.err }

// TruncatedError reports a read past the end of the mapped data. The cursor
// state is undefined afterwards, so it is always fatal to the run.
type TruncatedError struct {
	Offset int64
	Need   int64
	err    error
}

func Truncated(offset, need int64) *TruncatedError {
	return &TruncatedError{Offset: offset, Need: need, err: io.ErrUnexpectedEOF}
}

func OutOfRange(offset int64) *TruncatedError {
	return &TruncatedError{Offset: offset, err: ErrOutOfRange}
}

func (e *TruncatedError) Error() string {
	if errors.Is(e.err, ErrOutOfRange) {
		return fmt.Sprintf("jfr truncated: seek to %d: %s", e.Offset, e.err)
	}
	return fmt.Sprintf("jfr truncated: reading %d bytes at offset %d: %s", e.Need, e.Offset, e.err)
}

func (e *TruncatedError) Unwrap() error { return e.err }

// BindingError reports that a requested shape cannot be bound to the schema
// class of a chunk: a field is missing or its wire type is incompatible with
// the target field. It is produced once per (class layout, shape) pair.
type BindingError struct {
	Type  string
	Field string
	Shape string
	err   error
}

func Bindingf(typ, field, shape, format string, args ...any) *BindingError {
	return &BindingError{Type: typ, Field: field, Shape: shape, err: fmt.Errorf(format, args...)}
}

func (e *BindingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("jfr binding %s -> %s: %s", e.Type, e.Shape, e.err)
	}
	return fmt.Sprintf("jfr binding %s.%s -> %s: %s", e.Type, e.Field, e.Shape, e.err)
}

func (e *BindingError) Unwrap() error { return e.err }

func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

func IsTruncated(err error) bool {
	var te *TruncatedError
	return errors.As(err, &te)
}

func IsBinding(err error) bool {
	var be *BindingError
	return errors.As(err, &be)
}
