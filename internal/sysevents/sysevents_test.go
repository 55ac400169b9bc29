package sysevents

import "testing"

func TestEnqueueAndDrain(t *testing.T) {
	q := New()
	q.Enqueue("sess-1", "cron job finished")
	q.Enqueue("sess-1", "exec completed")

	if size := q.QueueSize("sess-1"); size != 2 {
		t.Fatalf("expected queue size 2, got %d", size)
	}

	drained := q.Drain("sess-1")
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained events, got %d", len(drained))
	}
	if drained[0].Text != "cron job finished" || drained[1].Text != "exec completed" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}

	if size := q.QueueSize("sess-1"); size != 0 {
		t.Fatalf("expected empty queue after drain, got %d", size)
	}
}

func TestEnqueueDropsEmptyText(t *testing.T) {
	q := New()
	q.Enqueue("sess-1", "   ")
	if size := q.QueueSize("sess-1"); size != 0 {
		t.Fatalf("expected empty text to be dropped, queue size %d", size)
	}
}

func TestEnqueueDropsConsecutiveDuplicate(t *testing.T) {
	q := New()
	q.Enqueue("sess-1", "same text")
	q.Enqueue("sess-1", "same text")
	if size := q.QueueSize("sess-1"); size != 1 {
		t.Fatalf("expected duplicate to be dropped, queue size %d", size)
	}

	q.Enqueue("sess-1", "different text")
	if size := q.QueueSize("sess-1"); size != 2 {
		t.Fatalf("expected non-duplicate to be appended, queue size %d", size)
	}
}

func TestDuplicateSuppressionResetsAfterDrain(t *testing.T) {
	q := New()
	q.Enqueue("sess-1", "same text")
	q.Drain("sess-1")
	q.Enqueue("sess-1", "same text")
	if size := q.QueueSize("sess-1"); size != 1 {
		t.Fatalf("expected re-enqueue after drain to succeed, queue size %d", size)
	}
}

func TestEvictsOldestBeyondCap(t *testing.T) {
	q := New()
	for i := 0; i < MaxQueueDepth+5; i++ {
		q.Enqueue("sess-1", string(rune('a'+i%26))+string(rune(i)))
	}
	if size := q.QueueSize("sess-1"); size != MaxQueueDepth {
		t.Fatalf("expected queue capped at %d, got %d", MaxQueueDepth, size)
	}
}

func TestPeekIsNonDestructive(t *testing.T) {
	q := New()
	q.Enqueue("sess-1", "hello")

	peeked := q.Peek("sess-1")
	if len(peeked) != 1 || peeked[0] != "hello" {
		t.Fatalf("unexpected peek result: %v", peeked)
	}

	if size := q.QueueSize("sess-1"); size != 1 {
		t.Fatalf("peek should not remove events, queue size %d", size)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	q := New()
	q.Enqueue("sess-a", "event a")
	q.Enqueue("sess-b", "event b")

	if size := q.QueueSize("sess-a"); size != 1 {
		t.Fatalf("expected sess-a queue size 1, got %d", size)
	}
	if size := q.QueueSize("sess-b"); size != 1 {
		t.Fatalf("expected sess-b queue size 1, got %d", size)
	}

	drained := q.Drain("sess-a")
	if len(drained) != 1 || drained[0].Text != "event a" {
		t.Fatalf("unexpected drain for sess-a: %+v", drained)
	}
	if size := q.QueueSize("sess-b"); size != 1 {
		t.Fatalf("draining sess-a should not affect sess-b, got size %d", size)
	}
}

func TestFormatForPrompt(t *testing.T) {
	q := New()
	q.Enqueue("sess-1", "cron job finished")
	drained := q.Drain("sess-1")

	lines := FormatForPrompt(drained)
	if len(lines) != 1 {
		t.Fatalf("expected 1 formatted line, got %d", len(lines))
	}
	if want := "System: ["; lines[0][:len(want)] != want {
		t.Fatalf("expected line to start with %q, got %q", want, lines[0])
	}
}
