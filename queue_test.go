package bipstream

import "testing"

func TestReserveQueueProduceConsumeInOrder(t *testing.T) {
	q := NewReserveQueue(4)

	idx, ok := q.Produce()
	if !ok {
		t.Fatal("expected produce to succeed")
	}
	q.Set(idx, 0, 0, 10)

	collapsed := q.Consume(idx)
	if len(collapsed) != 1 {
		t.Fatalf("expected 1 collapsed slot, got %d", len(collapsed))
	}
	if collapsed[0].pos != 0 || collapsed[0].amount != 10 {
		t.Fatalf("unexpected collapsed slot: %+v", collapsed[0])
	}
}

func TestReserveQueueOutOfOrderCollapse(t *testing.T) {
	q := NewReserveQueue(4)

	i1, _ := q.Produce()
	q.Set(i1, 0, 0, 10)
	i2, _ := q.Produce()
	q.Set(i2, 10, 10, 10)
	i3, _ := q.Produce()
	q.Set(i3, 20, 20, 10)

	// Consume the tail-most reservation first: nothing collapses at the head
	// since i1 is still in flight, but the tail retracts past it and
	// reclaims its slot immediately (spec §4.2 consume, the tail-retraction
	// branch).
	beforeLen := q.Len()
	if got := q.Consume(i3); len(got) != 0 {
		t.Fatalf("expected no collapse, got %d", len(got))
	}
	if q.Len() != beforeLen-1 {
		t.Fatalf("expected tail retraction to reclaim a slot: len=%d, want %d", q.Len(), beforeLen-1)
	}

	if got := q.Consume(i2); len(got) != 0 {
		t.Fatalf("expected no collapse, got %d", len(got))
	}
	if q.Len() != beforeLen-2 {
		t.Fatalf("expected tail retraction to reclaim i2's slot too: len=%d, want %d", q.Len(), beforeLen-2)
	}

	// Completing the head collapses i1 directly; the tail was already
	// retracted past i2 and i3 via pendingTailCommit, so the head collapse
	// recovers i3's span (which subsumes i2, since they are contiguous) as
	// a second entry instead of stalling once it meets the retracted tail.
	got := q.Consume(i1)
	if len(got) != 2 {
		t.Fatalf("expected 2 collapsed slots (i1, then recovered i3 span), got %d", len(got))
	}
	if got[0].pos != 0 || got[0].amount != 10 {
		t.Fatalf("unexpected first collapsed slot: %+v", got[0])
	}
	if got[1].pos != 20 || got[1].amount != 10 {
		t.Fatalf("unexpected recovered collapsed slot: %+v", got[1])
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after final collapse, got len=%d", q.Len())
	}
}

func TestReserveQueueFullBlocksProduce(t *testing.T) {
	q := NewReserveQueue(2) // capacity = 3, but only 2 (maxAppenders) may be in flight

	for i := 0; i < 2; i++ {
		if _, ok := q.Produce(); !ok {
			t.Fatalf("produce %d: expected success", i)
		}
	}
	if !q.Full() {
		t.Fatal("expected queue to report full at maxAppenders in flight")
	}
	if _, ok := q.Produce(); ok {
		t.Fatal("expected queue to be full")
	}
}

func TestReserveQueueMarkUnusedRewindsTail(t *testing.T) {
	q := NewReserveQueue(4)

	idx, _ := q.Produce()
	q.MarkUnused(idx)

	if q.Len() != 0 {
		t.Fatalf("expected queue empty after rewinding the only slot, got len=%d", q.Len())
	}

	// The slot must be reusable immediately.
	idx2, ok := q.Produce()
	if !ok {
		t.Fatal("expected produce to succeed after mark_unused rewind")
	}
	q.Set(idx2, 5, 5, 5)
	collapsed := q.Consume(idx2)
	if len(collapsed) != 1 || collapsed[0].pos != 5 {
		t.Fatalf("unexpected collapsed slot: %+v", collapsed)
	}
}
