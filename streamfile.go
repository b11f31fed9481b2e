// streamfile.go: backing file collaborator for bytes that have aged out of
// the in-memory bip-buffer.
//
// Grounded in _examples/original_source/src/replication/stream_file.hpp (the
// file_reader/file_writer/stream_file contract: position-addressable,
// append-only storage consulted once a read falls behind the live buffer)
// and in agilira-lethe/rotation.go for the segment-file naming, retry, and
// directory-creation idioms (initFile, RetryFileOperation, FileSystem).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bipstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// StreamFile is the contract a Stream falls back to when a read targets a
// logical position older than the in-memory buffer's oldest resident byte.
// Implementations must be safe for concurrent use.
type StreamFile interface {
	// Read fills buf[:amount] with the amount bytes starting at the given
	// logical position. It returns the number of bytes read and an error
	// if fewer than amount bytes are durably available.
	Read(pos StreamPos, buf []byte, amount uint64) (int, error)

	// GetMaxAvailableFromPos reports how many contiguous bytes starting at
	// pos are currently durable, used by Stream to poll while a flusher is
	// still catching up.
	GetMaxAvailableFromPos(pos StreamPos) uint64
}

// defaultSegmentSize is the default size of each on-disk chunk a
// DiskStreamFile writes; segments are addressed by the logical position of
// their first byte.
const defaultSegmentSize = 4 * 1024 * 1024

// FileSystem abstracts the filesystem calls DiskStreamFile needs, the way
// agilira-lethe's rotation.go isolates os.* behind a FileSystem interface
// so tests can substitute an in-memory fake.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
}

// DefaultFileSystem implements FileSystem against the real OS.
type DefaultFileSystem struct{}

func (DefaultFileSystem) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (DefaultFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (DefaultFileSystem) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }
func (DefaultFileSystem) ReadDir(name string) ([]os.DirEntry, error)   { return os.ReadDir(name) }

// DiskStreamFile is a default StreamFile backed by fixed-size, append-only
// segment files on disk, named by the logical position of their first byte.
type DiskStreamFile struct {
	mu sync.Mutex

	dir         string
	segmentSize uint64
	fs          FileSystem

	durablePos StreamPos // highest logical position durably persisted so far

	current   *os.File
	currStart StreamPos
}

// DiskStreamFileOption configures a DiskStreamFile at construction time.
type DiskStreamFileOption func(*DiskStreamFile)

// WithFileSystem overrides the filesystem abstraction, for tests.
func WithFileSystem(fs FileSystem) DiskStreamFileOption {
	return func(d *DiskStreamFile) { d.fs = fs }
}

// WithSegmentSize overrides the default 4MiB segment size.
func WithSegmentSize(n uint64) DiskStreamFileOption {
	return func(d *DiskStreamFile) {
		if n > 0 {
			d.segmentSize = n
		}
	}
}

// NewDiskStreamFile opens (creating if necessary) a directory of segment
// files rooted at dir, resuming durablePos from startPos.
func NewDiskStreamFile(dir string, startPos StreamPos, opts ...DiskStreamFileOption) (*DiskStreamFile, error) {
	d := &DiskStreamFile{
		dir:         dir,
		segmentSize: defaultSegmentSize,
		fs:          DefaultFileSystem{},
		durablePos:  startPos,
		currStart:   startPos - (startPos % defaultSegmentSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.currStart = startPos - (startPos % d.segmentSize)

	if err := ValidatePathLength(dir); err != nil {
		return nil, err
	}
	if err := d.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bipstream: create stream file dir: %w", err)
	}

	return d, nil
}

func (d *DiskStreamFile) segmentPath(segStart StreamPos) string {
	return filepath.Join(d.dir, SanitizeFilename(fmt.Sprintf("segment-%020d.dat", segStart)))
}

func (d *DiskStreamFile) segmentStartFor(pos StreamPos) StreamPos {
	return pos - (pos % d.segmentSize)
}

// Append writes p (durable bytes starting at pos, which must equal the
// file's current durablePos) into the appropriate segment file, rotating
// to a new segment as needed. Used by Flusher to drain committed Stream
// bytes to disk.
func (d *DiskStreamFile) Append(pos StreamPos, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pos != d.durablePos {
		return fmt.Errorf("bipstream: non-contiguous append at %d, expected %d", pos, d.durablePos)
	}

	for len(p) > 0 {
		segStart := d.segmentStartFor(d.durablePos)
		if d.current == nil || segStart != d.currStart {
			if d.current != nil {
				_ = d.current.Close()
			}
			var f *os.File
			err := RetryFileOperation(func() error {
				var oerr error
				f, oerr = d.fs.OpenFile(d.segmentPath(segStart), os.O_CREATE|os.O_WRONLY|os.O_APPEND, GetDefaultFileMode())
				return oerr
			}, 3, 0)
			if err != nil {
				return fmt.Errorf("bipstream: open segment: %w", err)
			}
			d.current = f
			d.currStart = segStart
		}

		room := d.segmentSize - (d.durablePos - segStart)
		n := uint64(len(p))
		if n > room {
			n = room
		}

		if _, err := d.current.Write(p[:n]); err != nil {
			return fmt.Errorf("bipstream: write segment: %w", err)
		}

		d.durablePos += n
		p = p[n:]
	}

	return nil
}

// Read implements StreamFile.
func (d *DiskStreamFile) Read(pos StreamPos, buf []byte, amount uint64) (int, error) {
	d.mu.Lock()
	durable := d.durablePos
	d.mu.Unlock()

	if pos+amount > durable {
		return 0, fmt.Errorf("bipstream: requested range [%d,%d) exceeds durable position %d", pos, pos+amount, durable)
	}

	var read uint64
	for read < amount {
		cur := pos + read
		segStart := d.segmentStartFor(cur)

		f, err := d.fs.OpenFile(d.segmentPath(segStart), os.O_RDONLY, 0)
		if err != nil {
			return int(read), fmt.Errorf("bipstream: open segment for read: %w", err)
		}

		offsetInSeg := int64(cur - segStart)
		want := d.segmentSize - (cur - segStart)
		if want > amount-read {
			want = amount - read
		}

		n, err := f.ReadAt(buf[read:read+want], offsetInSeg)
		_ = f.Close()
		if err != nil && uint64(n) < want {
			return int(read) + n, fmt.Errorf("bipstream: read segment: %w", err)
		}

		read += uint64(n)
	}

	return int(read), nil
}

// GetMaxAvailableFromPos implements StreamFile.
func (d *DiskStreamFile) GetMaxAvailableFromPos(pos StreamPos) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.durablePos <= pos {
		return 0
	}
	return d.durablePos - pos
}

// DurablePos returns the highest logical position durably persisted so far.
func (d *DiskStreamFile) DurablePos() StreamPos {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.durablePos
}

// Close flushes and closes the currently open segment file.
func (d *DiskStreamFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	err := d.current.Close()
	d.current = nil
	return err
}

// CleanupSegmentsBefore removes segment files whose entire byte range lies
// before pos, the way rotation.go's cleanupOldFiles reclaims rotated
// backups once they age past the retention policy.
func (d *DiskStreamFile) CleanupSegmentsBefore(pos StreamPos) error {
	entries, err := d.fs.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("bipstream: list segment dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var segStart StreamPos
		if _, err := fmt.Sscanf(name, "segment-%020d.dat", &segStart); err != nil {
			continue
		}
		if segStart+d.segmentSize > pos {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("bipstream: remove segment %s: %w", name, err)
		}
	}

	return nil
}
