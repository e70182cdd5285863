package rcstorage

import "github.com/pkg/errors"

var (
	// ErrNullHandle is returned when dereferencing a handle that was never created, was moved from, or
	// was released
	ErrNullHandle = errors.New("handle is null")
	// ErrStaleHandle is returned when dereferencing a handle whose slot has been collected since the
	// handle was made
	ErrStaleHandle = errors.New("handle refers to a slot that has been collected")
)
