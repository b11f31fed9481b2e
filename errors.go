// errors.go: closed set of error kinds for the stream and bip-buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bipstream

import "errors"

// Pre-allocated errors to avoid allocations in hot paths.
var (
	// ErrReserveTooLarge is returned when a single reservation exceeds capacity/10.
	ErrReserveTooLarge = errors.New("bipstream: reservation exceeds capacity/10")

	// ErrReserveWouldBlock is returned when a page in the target append range is reader-pinned.
	ErrReserveWouldBlock = errors.New("bipstream: reserve would cross a reader-pinned page")

	// ErrReadNotCommitted is returned when the caller asks for bytes not yet past last_committed_pos.
	ErrReadNotCommitted = errors.New("bipstream: requested range is not yet committed")

	// ErrReadNoReadableRange is returned when the bip-buffer reports empty readable ranges
	// although the position was believed to be in range (a concurrent move raced the read).
	ErrReadNoReadableRange = errors.New("bipstream: no readable range at requested position")

	// ErrReadPinFailed is returned when BipBuffer.StartRead refuses a pin due to region overlap.
	ErrReadPinFailed = errors.New("bipstream: read pin overlaps an active append region")

	// ErrFileReadFailed is returned when the backing StreamFile returns an error.
	ErrFileReadFailed = errors.New("bipstream: backing file read failed")

	// ErrStopped is returned to a blocked read_serial call when the stream was stopped.
	ErrStopped = errors.New("bipstream: stream stopped")

	// ErrWriterError is returned when a write callback reports a negative (failed) write.
	ErrWriterError = errors.New("bipstream: writer callback reported an error")
)

// ErrorCallback is invoked for non-fatal background failures (backing-file reads and
// bip-buffer commit errors on a Stream, segment appends and stream reads in a Flusher)
// the way lethe.Logger.ErrorCallback reports rotation-path errors. It is always
// invoked outside of any stream lock.
type ErrorCallback func(operation string, err error)

func (s *Stream) reportError(operation string, err error) {
	if s.onError != nil {
		s.onError(operation, err)
	}
}
