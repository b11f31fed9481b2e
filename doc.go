// Package bipstream provides a concurrent, append-only byte stream backed by
// a fixed-capacity bipartite circular buffer (a "bip-buffer"). It is designed
// as the in-memory transport between producers that serialize records into
// the stream (e.g. a replication log generator) and consumers that drain,
// persist, or forward the committed bytes (a stream file, a network sender,
// a log applier).
//
// # Design
//
// The stream hands out contiguous byte ranges for append ("reserve"),
// accepts completion in any order from concurrent producers ("commit"),
// and only advances the publicly observable committed boundary once a
// contiguous prefix of reservations has completed. Readers pin pages of
// the buffer at page granularity so that appenders never overwrite bytes
// a reader is still examining; once a requested range has aged out of the
// in-memory buffer, reads fall back to a backing StreamFile keyed by
// logical stream position.
//
// # Quick start
//
//	s, err := bipstream.New(64*1024, 4, 4) // 64KiB buffer, 4 pages, up to 4 concurrent appenders
//	if err != nil {
//		log.Fatal(err)
//	}
//	s.Init(0)
//	defer s.SetStop()
//
//	_, err = s.Write(5, func(pos bipstream.StreamPos, p []byte) int {
//		copy(p, "hello")
//		return 5
//	})
//
//	_, err = s.Read(0, 5, func(p []byte) int {
//		fmt.Println(string(p))
//		return len(p)
//	})
//
// # Backing file and flusher
//
// The stream itself never touches disk. DiskStreamFile is a default,
// position-addressable segment store that satisfies the StreamFile
// contract, and Flusher is a single background goroutine that drains
// committed bytes from a Stream into a StreamFile and advances the
// stream's recyclable position. Write does not consult the recyclable
// position: producers are never blocked or throttled by it, and the
// bip-buffer reuses its space without regard to it, so committed bytes that
// no flusher has drained yet can be overwritten. Both are optional: a caller that
// already has a WAL or a network sender can implement StreamFile directly
// and skip Flusher entirely.
//
// # Concurrency
//
// Multiple goroutines may call Write concurrently; at most one goroutine
// should call ReadSerial at a time (its read cursor is not itself
// synchronized against concurrent serial readers, matching the original
// design this module is modeled on). Read and ReadPartial may be called
// concurrently with writes and with each other.
package bipstream
