// Package checkpoint provides a way to decorate errors by some additional caller information
// which results in something similar to a stacktrace.
// Each error added to a checkpoint can be checked by errors.Is and retrieved by errors.As.
//
// The filesystem engine uses it to attach one of its sentinel errors (the "kind" of a failure)
// to the error which actually caused it, for example a device I/O error:
//  return checkpoint.Wrap(err, fatengine.ErrBadData)
// Both errors.Is(err, fatengine.ErrBadData) and errors.Is(err, <the device error>) hold afterwards.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
)

// From just wraps an error by a new checkpoint which adds some caller information to the error.
// It returns nil, if err == nil.
func From(err error) error {
	// io.EOF must be returned as io.EOF directly
	// https://github.com/golang/go/issues/39155
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}

	return newCheckpoint(err, nil, "")
}

// Wrap adds a checkpoint with some caller information to prev and attaches err as the kind of the
// checkpoint. Returns nil if prev == nil.
// If err is nil, the checkpoint only carries the caller information.
func Wrap(prev, err error) error {
	if prev == nil {
		return nil
	}
	if prev == io.EOF {
		return io.EOF
	}

	return newCheckpoint(err, prev, "")
}

// Wrapf works like Wrap but also stores a formatted detail message. Unlike Wrap, a nil prev is
// allowed: the checkpoint then only consists of err and the detail. This is the usual way to
// raise a sentinel error with some context:
//  return checkpoint.Wrapf(nil, ErrRange, "cluster %d out of range", cluster)
func Wrapf(prev, err error, format string, args ...interface{}) error {
	if prev == io.EOF {
		return io.EOF
	}
	if prev == nil && err == nil {
		return nil
	}

	return newCheckpoint(err, prev, fmt.Sprintf(format, args...))
}

func newCheckpoint(err, prev error, detail string) *checkpoint {
	// Skip newCheckpoint and the exported helper.
	_, file, line, ok := runtime.Caller(2)

	return &checkpoint{
		err:    err,
		prev:   prev,
		detail: detail,

		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

type checkpoint struct {
	err    error
	prev   error
	detail string

	callerOk bool
	file     string
	line     int
}

func (e *checkpoint) Error() string {
	location := "unknown"
	if e.callerOk {
		location = fmt.Sprintf("%s:%d", e.file, e.line)
	}

	msg := location
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	if e.detail != "" {
		msg += ": " + e.detail
	}
	if e.prev != nil {
		msg += "\n\t" + e.prev.Error()
	}
	return msg
}

func (e *checkpoint) Unwrap() error {
	return e.prev
}

func (e *checkpoint) Is(target error) bool {
	return e.err != nil && errors.Is(e.err, target)
}

func (e *checkpoint) As(target interface{}) bool {
	return e.err != nil && errors.As(e.err, target)
}
