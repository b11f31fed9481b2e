// flusher.go: background worker draining committed stream bytes to a
// backing StreamFile.
//
// Grounded in agilira-lethe/rotation.go's BackgroundWorkers pool
// (context.Context + sync.WaitGroup + stopOnce, a single long-lived worker
// goroutine rather than a per-task channel since draining is inherently
// sequential), adapted here to read from a Stream instead of rotating log
// segments, and reporting failures through the same ErrorCallback
// convention as the rest of the package.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bipstream

import (
	"context"
	"sync"
)

// Flusher periodically drains newly committed bytes from a Stream into a
// StreamFile and advances the stream's recyclable position past the bytes
// it has written.
type Flusher struct {
	stream  *Stream
	file    *DiskStreamFile
	onError ErrorCallback

	chunkSize uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewFlusher builds a Flusher draining stream into file in chunkSize-byte
// reads. chunkSize is clamped to at least 4KiB.
func NewFlusher(stream *Stream, file *DiskStreamFile, chunkSize uint64, onError ErrorCallback) *Flusher {
	if chunkSize < 4096 {
		chunkSize = 4096
	}
	return &Flusher{
		stream:    stream,
		file:      file,
		onError:   onError,
		chunkSize: chunkSize,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background drain loop. It returns immediately; call
// Stop to shut it down.
func (f *Flusher) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.run(ctx)
}

func (f *Flusher) run(ctx context.Context) {
	defer f.wg.Done()

	pos := f.file.DurablePosOrZero()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if f.stream.Stopped() && pos >= f.stream.LastCommittedPos() {
			return
		}

		committed := f.stream.LastCommittedPos()
		if committed <= pos {
			f.stream.WaitCommitAdvance(ctx, pos)
			continue
		}

		amount := committed - pos
		if amount > f.chunkSize {
			amount = f.chunkSize
		}

		n, err := f.stream.Read(pos, amount, func(p []byte) int {
			if werr := f.file.Append(pos, p); werr != nil {
				f.reportError("flusher_append", werr)
				return -1
			}
			return len(p)
		})
		if err != nil {
			f.reportError("flusher_read", err)
			continue
		}
		if n <= 0 {
			continue
		}

		pos += StreamPos(n)
		f.stream.SetLastRecyclablePos(pos)
	}
}

func (f *Flusher) reportError(operation string, err error) {
	if f.onError != nil {
		f.onError(operation, err)
	}
}

// Stop signals the drain loop to exit and waits for it to finish.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

// DurablePosOrZero returns the file's durable position, or 0 for a nil
// receiver, so Flusher can be constructed against a fresh file.
func (d *DiskStreamFile) DurablePosOrZero() StreamPos {
	if d == nil {
		return 0
	}
	return d.DurablePos()
}
