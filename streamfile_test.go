package bipstream

import (
	"testing"
)

func TestDiskStreamFileAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	f, err := NewDiskStreamFile(dir, 0, WithSegmentSize(64))
	if err != nil {
		t.Fatalf("NewDiskStreamFile: %v", err)
	}
	defer f.Close()

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := f.Append(0, payload); err != nil {
		t.Fatalf("append: %v", err)
	}

	if got := f.GetMaxAvailableFromPos(0); got != uint64(len(payload)) {
		t.Fatalf("available = %d, want %d", got, len(payload))
	}

	buf := make([]byte, len(payload))
	n, err := f.Read(0, buf, uint64(len(payload)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("read %d bytes, want %d", n, len(payload))
	}
	for i := range payload {
		if buf[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], payload[i])
		}
	}
}

func TestDiskStreamFileRejectsNonContiguousAppend(t *testing.T) {
	dir := t.TempDir()

	f, err := NewDiskStreamFile(dir, 0)
	if err != nil {
		t.Fatalf("NewDiskStreamFile: %v", err)
	}
	defer f.Close()

	if err := f.Append(10, []byte("gap")); err == nil {
		t.Fatal("expected non-contiguous append to fail")
	}
}

func TestDiskStreamFileCleanupSegmentsBefore(t *testing.T) {
	dir := t.TempDir()

	f, err := NewDiskStreamFile(dir, 0, WithSegmentSize(16))
	if err != nil {
		t.Fatalf("NewDiskStreamFile: %v", err)
	}
	defer f.Close()

	payload := make([]byte, 64)
	if err := f.Append(0, payload); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := f.CleanupSegmentsBefore(48); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
