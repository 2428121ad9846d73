package callstate

import (
	"testing"
	"time"
)

func TestMarkAccounting(t *testing.T) {
	st := New("k", time.Now())
	const n = 5
	for i := 0; i < n; i++ {
		st.ObserveDelta("it1")
		st.PushMark("responsePart")
	}
	if st.PendingMarks() != n {
		t.Fatalf("expected %d marks, got %d", n, st.PendingMarks())
	}
	for i := 0; i < n; i++ {
		if _, ok := st.AckMark(); !ok {
			t.Fatalf("expected ack %d to pop", i)
		}
	}
	if st.PendingMarks() != 0 {
		t.Fatalf("expected empty queue, got %d", st.PendingMarks())
	}
	for i := 0; i < 3; i++ {
		if _, ok := st.AckMark(); ok {
			t.Fatal("expected extra ack to be a no-op")
		}
	}
	if st.PendingMarks() != 0 {
		t.Fatalf("expected no underflow, got %d", st.PendingMarks())
	}
}

func TestFirstDeltaLatch(t *testing.T) {
	st := New("k", time.Now())
	st.ObserveTimestamp(100)
	if !st.ObserveDelta("it1") {
		t.Fatal("expected first delta to latch")
	}
	st.ObserveTimestamp(180)
	if st.ObserveDelta("it1") || st.ObserveDelta("it2") {
		t.Fatal("expected later deltas not to latch")
	}
	first, ok := st.FirstDelta()
	if !ok || first != 100 {
		t.Fatalf("expected first delta 100, got %d (%v)", first, ok)
	}
	if st.LastAssistantItemID != "it1" {
		t.Fatalf("expected it1 latched, got %q", st.LastAssistantItemID)
	}
	if st.ElapsedMS() != 80 {
		t.Fatalf("expected 80ms elapsed, got %d", st.ElapsedMS())
	}
}

func TestResetPlaybackClearsState(t *testing.T) {
	st := New("k", time.Now())
	st.ObserveTimestamp(40)
	for i := 0; i < 4; i++ {
		st.ObserveDelta("it1")
		st.PushMark("responsePart")
	}
	st.AckMark()
	if !st.InFlight() {
		t.Fatal("expected response in flight")
	}
	st.ResetPlayback()
	if st.PendingMarks() != 0 || st.LastAssistantItemID != "" || st.InFlight() {
		t.Fatalf("expected cleared state, got marks=%d item=%q", st.PendingMarks(), st.LastAssistantItemID)
	}
	if _, ok := st.FirstDelta(); ok {
		t.Fatal("expected first delta cleared")
	}
}

func TestResponseBoundary(t *testing.T) {
	st := New("k", time.Now())
	st.ObserveTimestamp(100)
	st.ObserveDelta("it1")
	st.PushMark("responsePart")
	st.CompleteResponse()
	if !st.InFlight() {
		t.Fatal("expected playback to continue until the mark is acknowledged")
	}
	st.AckMark()
	if _, ok := st.FirstDelta(); ok {
		t.Fatal("expected latch cleared once playback finished")
	}

	st.ObserveTimestamp(400)
	if !st.ObserveDelta("it2") {
		t.Fatal("expected next response to latch again")
	}
	if first, _ := st.FirstDelta(); first != 400 || st.LastAssistantItemID != "it2" {
		t.Fatalf("expected it2 at 400, got %q at %d", st.LastAssistantItemID, first)
	}
}

func TestNextResponseBeforeMarksDrain(t *testing.T) {
	st := New("k", time.Now())
	st.ObserveTimestamp(100)
	st.ObserveDelta("it1")
	st.PushMark("responsePart")
	st.CompleteResponse()

	st.ObserveTimestamp(300)
	if !st.ObserveDelta("it2") {
		t.Fatal("expected new response to relatch")
	}
	st.PushMark("responsePart")
	st.AckMark()
	if !st.InFlight() || st.LastAssistantItemID != "it2" {
		t.Fatalf("expected it2 still in flight, got %q", st.LastAssistantItemID)
	}
}

func TestTimestampMonotonic(t *testing.T) {
	st := New("k", time.Now())
	st.ObserveTimestamp(250)
	st.ObserveTimestamp(100)
	if st.LatestTimestamp != 250 {
		t.Fatalf("expected 250, got %d", st.LatestTimestamp)
	}
}

func TestSecondsSinceLastSpeech(t *testing.T) {
	start := time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
	st := New("k", start)
	if got := st.SecondsSinceLastSpeech(start.Add(30 * time.Second)); got != 30 {
		t.Fatalf("expected 30s, got %v", got)
	}
	st.MarkSpeech(start.Add(20 * time.Second))
	if got := st.SecondsSinceLastSpeech(start.Add(30 * time.Second)); got != 10 {
		t.Fatalf("expected 10s, got %v", got)
	}
}
