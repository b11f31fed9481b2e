package bipstream

import (
	"context"
	"testing"
	"time"
)

func TestFlusherDrainsCommittedBytesToFile(t *testing.T) {
	s := newTestStream(t, 64*1024, 4, 4)

	dir := t.TempDir()
	file, err := NewDiskStreamFile(dir, 0, WithSegmentSize(4096))
	if err != nil {
		t.Fatalf("NewDiskStreamFile: %v", err)
	}
	defer file.Close()

	var flushErrs []string
	flusher := NewFlusher(s, file, 1024, func(op string, err error) {
		flushErrs = append(flushErrs, op+": "+err.Error())
	})

	ctx, cancel := context.WithCancel(context.Background())
	flusher.Start(ctx)
	defer func() {
		cancel()
		flusher.Stop()
	}()

	payload := []byte("durable payload")
	if _, err := s.Write(uint64(len(payload)), func(_ StreamPos, p []byte) int {
		return copy(p, payload)
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if file.GetMaxAvailableFromPos(0) >= uint64(len(payload)) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if avail := file.GetMaxAvailableFromPos(0); avail < uint64(len(payload)) {
		t.Fatalf("flusher did not drain payload in time, available=%d", avail)
	}

	if len(flushErrs) != 0 {
		t.Fatalf("unexpected flusher errors: %v", flushErrs)
	}

	if got := s.Stats().LastRecyclablePos; got < StreamPos(len(payload)) {
		t.Fatalf("last recyclable pos = %d, want >= %d", got, len(payload))
	}
}
