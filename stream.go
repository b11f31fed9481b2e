// stream.go: multi-producer, append-only logical byte stream over a BipBuffer.
//
// Grounded in _examples/original_source/src/base/multi_thread_stream.hpp and
// .cpp (cubstream::multi_thread_stream): write reserves physical room from
// the bip-buffer and a slot from the reserve queue, invokes the caller's
// write callback outside the lock, then commits both in whatever order
// concurrent writers finish in while only ever advancing the publicly
// observable commit boundary past a contiguous completed prefix. The
// constructor/option pattern and Stats snapshot follow lethe.go's
// Logger/NewWithConfig/Stats conventions.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package bipstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// StreamPos is a logical, monotonically non-decreasing byte offset since
// stream initialization. Its physical location inside the bip-buffer is
// NOT pos%capacity: BipBuffer's cycle (switchToRegionB) can waste bytes
// between the old append pointer and capacity whenever a reservation
// doesn't land exactly on the boundary, so logical position and physical
// offset diverge by the cumulative wasted span after the first such
// cycle. The physical location is instead found by walking back from
// lastCommittedPos through BipBuffer.GetReadRanges' trails (see
// Stream.getDataFromPos), exactly as spec §4.3.5 describes.
type StreamPos = uint64

const (
	defaultRetryDelay      = 100 * time.Microsecond
	defaultFilePollDelay   = 500 * time.Microsecond
	minBytesToReadFromFile = 16 * 1024
)

// Stats is a point-in-time snapshot of stream bookkeeping, returned by
// Stream.Stats for monitoring and tests.
type Stats struct {
	LastCommittedPos   StreamPos
	LastReservedPos    StreamPos
	OldestBufferedPos  StreamPos
	LastRecyclablePos  StreamPos
	Cycles             uint64
	InFlight           int
	Stopped            bool
	CapturedAt         time.Time
}

// Stream is a concurrent, append-only byte stream backed by a BipBuffer.
// Multiple goroutines may call Write concurrently. At most one goroutine
// should call ReadSerial at a time; Read and ReadPartial are safe to call
// from any number of goroutines concurrently with writes.
type Stream struct {
	mu sync.Mutex

	buf   *BipBuffer
	queue *ReserveQueue

	lastReservedPos          StreamPos
	lastCommittedPos         StreamPos
	lastNotifiedCommittedPos StreamPos
	oldestBufferedPos        StreamPos
	lastRecyclablePos        StreamPos

	stopped bool

	dataCond       *sync.Cond
	recyclableCond *sync.Cond

	file StreamFile

	triggerMinToReadSize uint64

	onError    ErrorCallback
	onReadyPos func(pos StreamPos, count uint64)
	onFilled   func(pos StreamPos, count uint64)
	onFetch    func(pos StreamPos, amount uint64)

	timeCache *timecache.TimeCache
	createdAt time.Time
}

// StreamConfig holds configuration for NewWithConfig, the string-sized
// counterpart to New's raw byte-count parameters (spec §10.2: no CLI or
// environment variables, but a Stream is still built from an options
// struct the way lethe.LoggerConfig feeds NewWithConfig).
type StreamConfig struct {
	// CapacityStr is parsed with ParseSize (e.g. "64KB", "100MB"). If
	// empty, Capacity is used directly.
	CapacityStr string `json:"capacity_str"`
	Capacity    uint64 `json:"capacity"`

	PageCount    int `json:"page_count"`
	MaxAppenders int `json:"max_appenders"`

	ReserveMargin        uint64 `json:"reserve_margin"`
	TriggerMinToReadSize uint64 `json:"trigger_min_to_read_size"`

	File StreamFile `json:"-"`

	ErrorCallback ErrorCallback `json:"-"`
}

// Option configures a Stream at construction time.
type Option func(*Stream)

// WithErrorCallback registers a callback invoked for non-fatal background
// failures (backing file reads, bip-buffer commit errors). A Flusher reports
// its own failures through the callback passed to NewFlusher, not this one.
// It is always invoked outside of the stream's internal lock.
func WithErrorCallback(cb ErrorCallback) Option {
	return func(s *Stream) { s.onError = cb }
}

// WithStreamFile attaches a backing StreamFile used to serve reads for
// positions that have aged out of the in-memory buffer.
func WithStreamFile(f StreamFile) Option {
	return func(s *Stream) { s.file = f }
}

// WithTriggerMinToReadSize sets how far a completing write's end position
// must advance past the last notified position before the OnReadyPos
// callback fires again, reducing how often small writes trigger it.
func WithTriggerMinToReadSize(n uint64) Option {
	return func(s *Stream) { s.triggerMinToReadSize = n }
}

// New builds a Stream over a freshly allocated bip-buffer of the given
// capacity divided into pageCount pages, supporting up to maxAppenders
// concurrent in-flight writes.
func New(capacity uint64, pageCount, maxAppenders int, opts ...Option) (*Stream, error) {
	if maxAppenders < 1 {
		return nil, fmt.Errorf("bipstream: maxAppenders must be >= 1")
	}

	buf := NewBipBuffer(capacity, pageCount)
	tc := timecache.NewWithResolution(time.Millisecond)

	s := &Stream{
		buf:       buf,
		queue:     NewReserveQueue(maxAppenders),
		timeCache: tc,
		createdAt: tc.CachedTime(),
	}
	s.dataCond = sync.NewCond(&s.mu)
	s.recyclableCond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// NewWithConfig builds a Stream from a StreamConfig, the string-sized
// counterpart to New, mirroring lethe.NewWithConfig's validate-then-build
// shape: CapacityStr (if set) is parsed with ParseSize and takes precedence
// over Capacity.
func NewWithConfig(config *StreamConfig) (*Stream, error) {
	if config == nil {
		return nil, fmt.Errorf("bipstream: config cannot be nil")
	}

	capacity := config.Capacity
	if config.CapacityStr != "" {
		parsed, err := ParseSize(config.CapacityStr)
		if err != nil {
			return nil, fmt.Errorf("invalid CapacityStr: %w", err)
		}
		capacity = uint64(parsed)
	}

	opts := make([]Option, 0, 4)
	if config.File != nil {
		opts = append(opts, WithStreamFile(config.File))
	}
	if config.ErrorCallback != nil {
		opts = append(opts, WithErrorCallback(config.ErrorCallback))
	}
	if config.TriggerMinToReadSize > 0 {
		opts = append(opts, WithTriggerMinToReadSize(config.TriggerMinToReadSize))
	}

	s, err := New(capacity, config.PageCount, config.MaxAppenders, opts...)
	if err != nil {
		return nil, err
	}

	if config.ReserveMargin > 0 {
		s.SetBufferReserveMargin(config.ReserveMargin)
	}

	return s, nil
}

// Init resets the stream's logical position counters to startPos. It must
// be called once before any Write or Read, before the stream is shared
// across goroutines.
func (s *Stream) Init(startPos StreamPos) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReservedPos = startPos
	s.lastCommittedPos = startPos
	s.oldestBufferedPos = startPos
	s.lastRecyclablePos = startPos
}

// SetBufferReserveMargin overrides the bip-buffer's reserve margin.
func (s *Stream) SetBufferReserveMargin(margin uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.SetReserveMargin(margin)
}

// SetTriggerMinToReadSize sets the OnReadyPos notification threshold (see
// WithTriggerMinToReadSize).
func (s *Stream) SetTriggerMinToReadSize(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerMinToReadSize = n
}

// TriggerMinToReadSize returns the current OnReadyPos notification threshold.
func (s *Stream) TriggerMinToReadSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerMinToReadSize
}

// OnReadyPos registers a callback fired from commit_append whenever a
// completing write's end position advances more than TriggerMinToReadSize
// past the last notified position (spec §6 on_ready_pos, §4.3.2). Always
// invoked outside the stream's lock. Replaces any previously registered
// callback.
func (s *Stream) OnReadyPos(cb func(pos StreamPos, count uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReadyPos = cb
}

// OnFilled registers a callback fired from commit_append whenever a
// reservation collapse advances last_committed_pos (spec §6 on_filled);
// a flusher can use it instead of polling WaitCommitAdvance. Always
// invoked outside the stream's lock.
func (s *Stream) OnFilled(cb func(pos StreamPos, count uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFilled = cb
}

// OnFetch registers a callback fired whenever a read falls back to the
// backing StreamFile because the requested position has aged out of the
// in-memory buffer (spec §6 on_fetch, the serial-fetch fallback). Always
// invoked outside the stream's lock, before the file read is attempted.
func (s *Stream) OnFetch(cb func(pos StreamPos, amount uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFetch = cb
}

// dataChunk is however much of a requested range Stream.getDataFromPos
// could locate in a single physical place (a bip-buffer trail, or a
// stream-file read) — possibly less than was asked for. release must be
// called exactly once after the caller is done observing data.
type dataChunk struct {
	data    []byte
	release func()
}

// getDataFromPos locates up to amount bytes of already-committed data
// starting at pos (spec §4.3.5 get_data_from_pos). It may return fewer
// than amount bytes if the range straddles the boundary between the
// bip-buffer's two trails or runs into the tail of a stream-file read;
// Stream.Read stitches successive calls together in that case.
//
// Positions are located by distance back from lastCommittedPos through
// BipBuffer.GetReadRanges' trails, refreshing oldestBufferedPos as a side
// effect, never by pos%capacity: see the StreamPos doc comment for why
// that modulo arithmetic is wrong once the bip-buffer has cycled.
func (s *Stream) getDataFromPos(pos StreamPos, amount uint64) (dataChunk, error) {
	s.mu.Lock()

	if pos+amount > s.lastCommittedPos {
		s.mu.Unlock()
		return dataChunk{}, ErrReadNotCommitted
	}

	if pos < s.oldestBufferedPos {
		s.mu.Unlock()
		return s.fetchFromFile(pos, amount)
	}

	trailBOff, trailBLen, trailAOff, trailALen := s.buf.GetReadRanges()
	total := trailALen + trailBLen
	if s.lastCommittedPos > total {
		s.oldestBufferedPos = s.lastCommittedPos - total
	} else {
		s.oldestBufferedPos = 0
	}

	if pos < s.oldestBufferedPos {
		// The buffer moved since the caller last checked; the position now
		// belongs to the stream file (spec §4.3.5 step 2).
		s.mu.Unlock()
		return s.fetchFromFile(pos, amount)
	}

	offset := pos - s.oldestBufferedPos

	var physOff, physLen uint64
	if offset < trailALen {
		physOff = trailAOff + offset
		physLen = trailALen - offset
	} else {
		boff := offset - trailALen
		if boff >= trailBLen {
			s.mu.Unlock()
			return dataChunk{}, ErrReadNoReadableRange
		}
		physOff = trailBOff + boff
		physLen = trailBLen - boff
	}
	if physLen > amount {
		physLen = amount
	}
	if physLen == 0 {
		s.mu.Unlock()
		return dataChunk{}, ErrReadNoReadableRange
	}

	pid, err := s.buf.StartRead(physOff, physLen)
	if err != nil {
		s.mu.Unlock()
		return dataChunk{}, err
	}
	data := s.buf.rawSlice(physOff, physLen)
	s.mu.Unlock()

	return dataChunk{
		data: data,
		release: func() {
			s.mu.Lock()
			s.buf.EndRead(pid)
			s.mu.Unlock()
		},
	}, nil
}

// fetchFromFile serves a get_data_from_pos request from the backing
// StreamFile, waiting for at least min(MIN_BYTES_TO_READ_FROM_FILE,
// amount) bytes to become durable at pos before reading (spec §4.3.5
// step 1). It is called with the stream mutex already released.
func (s *Stream) fetchFromFile(pos StreamPos, amount uint64) (dataChunk, error) {
	s.mu.Lock()
	file := s.file
	onFetch := s.onFetch
	s.mu.Unlock()

	if onFetch != nil {
		onFetch(pos, amount)
	}

	if file == nil {
		return dataChunk{}, ErrReadNotCommitted
	}

	want := uint64(minBytesToReadFromFile)
	if want > amount {
		want = amount
	}

	for {
		if file.GetMaxAvailableFromPos(pos) >= want {
			break
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return dataChunk{}, ErrStopped
		}
		time.Sleep(defaultFilePollDelay)
	}

	avail := file.GetMaxAvailableFromPos(pos)
	n := amount
	if n > avail {
		n = avail
	}

	buf := make([]byte, n)
	read, err := file.Read(pos, buf, n)
	if err != nil {
		s.reportError("file_read", err)
		return dataChunk{}, fmt.Errorf("%w: %v", ErrFileReadFailed, err)
	}

	return dataChunk{data: buf[:read], release: func() {}}, nil
}

// Write reserves amount contiguous bytes, invokes fn with the logical
// position assigned to the reservation and a slice to fill, then commits
// the reservation. fn must return a negative value to signal a failed
// write; the reserved bytes are always committed regardless, since the
// physical room was already claimed. Concurrent Write calls may complete
// their callbacks in any order: the stream's publicly observable commit
// position only ever advances past a contiguous completed prefix.
func (s *Stream) Write(amount uint64, fn func(pos StreamPos, p []byte) int) (StreamPos, error) {
	if amount == 0 {
		return 0, nil
	}

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return 0, ErrStopped
		}

		idx, ok := s.queue.Produce()
		if !ok {
			s.mu.Unlock()
			time.Sleep(defaultRetryDelay)
			continue
		}

		offset, data, err := s.buf.Reserve(amount)
		if err != nil {
			s.queue.MarkUnused(idx)
			s.mu.Unlock()
			if errors.Is(err, ErrReserveTooLarge) {
				return 0, err
			}
			time.Sleep(defaultRetryDelay)
			continue
		}

		pos := s.lastReservedPos
		s.lastReservedPos += amount
		s.queue.Set(idx, pos, offset, amount)
		s.mu.Unlock()

		n := fn(pos, data)

		var commitErrs []error
		var filledCount uint64
		var readyPos StreamPos
		var readyCount uint64
		fireReady := false
		fireFilled := false

		s.mu.Lock()
		collapsed := s.queue.Consume(idx)
		for _, slot := range collapsed {
			if cerr := s.buf.Commit(slot.offset + slot.amount); cerr != nil {
				commitErrs = append(commitErrs, cerr)
			}
			filledCount += slot.amount
		}
		if len(collapsed) > 0 {
			last := collapsed[len(collapsed)-1]
			collapsedEnd := last.pos + last.amount
			if collapsedEnd > s.lastCommittedPos {
				s.lastCommittedPos = collapsedEnd
			}

			if s.onFilled != nil {
				fireFilled = true
			}
		}
		newCompletedPosition := pos + amount
		if s.onReadyPos != nil && newCompletedPosition > s.lastNotifiedCommittedPos+s.triggerMinToReadSize {
			fireReady = true
			readyPos = newCompletedPosition
			readyCount = newCompletedPosition - s.lastNotifiedCommittedPos
			s.lastNotifiedCommittedPos = newCompletedPosition
		}
		onReadyPos := s.onReadyPos
		onFilled := s.onFilled
		finalCommittedPos := s.lastCommittedPos
		s.mu.Unlock()

		for _, cerr := range commitErrs {
			s.reportError("commit_append", cerr)
		}
		if len(collapsed) > 0 {
			s.dataCond.Broadcast()
		}
		if fireFilled && onFilled != nil {
			onFilled(finalCommittedPos, filledCount)
		}
		if fireReady && onReadyPos != nil {
			onReadyPos(readyPos, readyCount)
		}

		if n < 0 {
			return pos, ErrWriterError
		}
		return pos, nil
	}
}

// Read delivers exactly amount bytes starting at pos to fn and returns fn's
// return value. pos+amount must already be committed; callers that
// want a best-effort read of whatever is currently available should use
// ReadPartial instead.
func (s *Stream) Read(pos StreamPos, amount uint64, fn func(p []byte) int) (int, error) {
	if amount == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if pos+amount > s.lastCommittedPos {
		s.mu.Unlock()
		return 0, ErrReadNotCommitted
	}
	s.mu.Unlock()

	first, err := s.getDataFromPos(pos, amount)
	if err != nil {
		return 0, err
	}
	if uint64(len(first.data)) >= amount {
		n := fn(first.data[:amount])
		first.release()
		return n, nil
	}

	// The first chunk didn't cover the whole request: stitch successive
	// chunks into a local buffer (spec §4.3.5 step 3, a trail_A/trail_B or
	// buffer/file boundary straddle).
	stitched := make([]byte, amount)
	got := copy(stitched, first.data)
	first.release()

	for uint64(got) < amount {
		chunk, err := s.getDataFromPos(pos+uint64(got), amount-uint64(got))
		if err != nil {
			return 0, err
		}
		if len(chunk.data) == 0 {
			chunk.release()
			return 0, ErrReadNoReadableRange
		}
		got += copy(stitched[got:], chunk.data)
		chunk.release()
	}

	return fn(stitched), nil
}

// ReadPartial reads whatever prefix of [pos, pos+maxAmount) is currently
// committed, without blocking or erroring when less than maxAmount is
// available. It returns 0 bytes (and no error) when nothing is committed
// yet at pos.
func (s *Stream) ReadPartial(pos StreamPos, maxAmount uint64, fn func(p []byte) int) (int, error) {
	s.mu.Lock()
	var avail uint64
	if s.lastCommittedPos > pos {
		avail = s.lastCommittedPos - pos
	}
	s.mu.Unlock()

	if avail == 0 {
		return 0, nil
	}
	if avail > maxAmount {
		avail = maxAmount
	}
	return s.Read(pos, avail, fn)
}

// ReadSerial blocks until amount bytes are committed at pos, the stream is
// stopped, or ctx is canceled, then behaves like Read. Only one goroutine
// should call ReadSerial at a time; its implicit read cursor discipline
// (callers track pos themselves across calls) is not synchronized against
// concurrent serial readers.
func (s *Stream) ReadSerial(ctx context.Context, pos StreamPos, amount uint64, fn func(p []byte) int) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	done := make(chan struct{})
	defer close(done)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.dataCond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
	}

	s.mu.Lock()
	for pos+amount > s.lastCommittedPos && !s.stopped && ctx.Err() == nil {
		s.dataCond.Wait()
	}
	ready := pos+amount <= s.lastCommittedPos
	stopped := s.stopped
	s.mu.Unlock()

	if !ready {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if stopped {
			return 0, ErrStopped
		}
	}

	return s.Read(pos, amount, fn)
}

// SetLastRecyclablePos records the caller's signal that bytes before pos
// may be safely reclaimed (e.g. because a flusher has durably persisted
// them). It never moves backwards.
func (s *Stream) SetLastRecyclablePos(pos StreamPos) {
	s.mu.Lock()
	if pos > s.lastRecyclablePos {
		s.lastRecyclablePos = pos
	}
	s.mu.Unlock()
	s.recyclableCond.Broadcast()
}

// WaitCommitAdvance blocks until lastCommittedPos advances past after, the
// stream stops, or ctx is canceled. Flushers use this to idle until there
// is new committed data worth draining.
func (s *Stream) WaitCommitAdvance(ctx context.Context, after StreamPos) {
	done := make(chan struct{})
	defer close(done)
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.dataCond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lastCommittedPos <= after && !s.stopped && (ctx == nil || ctx.Err() == nil) {
		s.dataCond.Wait()
	}
}

// WaitRecyclableAdvance blocks until lastRecyclablePos advances past after,
// the stream stops, or ctx is canceled, letting a caller wait for a
// consumer to report progress without polling. Flusher does not use it: it
// idles in WaitCommitAdvance.
func (s *Stream) WaitRecyclableAdvance(ctx context.Context, after StreamPos) {
	done := make(chan struct{})
	defer close(done)
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.recyclableCond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lastRecyclablePos <= after && !s.stopped && (ctx == nil || ctx.Err() == nil) {
		s.recyclableCond.Wait()
	}
}

// SetStop marks the stream stopped, unblocking any goroutine waiting in
// ReadSerial or WaitRecyclableAdvance. A stopped stream rejects further
// writes with ErrStopped; already-committed bytes remain readable.
func (s *Stream) SetStop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	s.dataCond.Broadcast()
	s.recyclableCond.Broadcast()
	if !already {
		s.timeCache.Stop()
	}
}

// Stopped reports whether SetStop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// LastCommittedPos returns the highest logical position such that every
// byte before it has been committed.
func (s *Stream) LastCommittedPos() StreamPos {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommittedPos
}

// OldestBufferedPos returns the oldest logical position still guaranteed
// resident in the in-memory buffer; reads before it fall back to the
// backing StreamFile.
func (s *Stream) OldestBufferedPos() StreamPos {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestBufferedPos
}

// Stats returns a snapshot of the stream's current bookkeeping.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		LastCommittedPos:  s.lastCommittedPos,
		LastReservedPos:   s.lastReservedPos,
		OldestBufferedPos: s.oldestBufferedPos,
		LastRecyclablePos: s.lastRecyclablePos,
		Cycles:            s.buf.Cycles(),
		InFlight:          s.queue.Len(),
		Stopped:           s.stopped,
		CapturedAt:        s.timeCache.CachedTime(),
	}
}
