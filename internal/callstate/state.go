package callstate

import (
	"time"

	"github.com/gammazero/deque"
)

// State is the playback and interruption record for one call. It is not
// safe for concurrent use; the bridge controller that owns a call is its
// only writer.
type State struct {
	CallKey   string
	CallSID   string
	StreamSID string
	CreatedAt time.Time

	// LastAssistantItemID is the model item whose audio is being played.
	LastAssistantItemID string
	// LatestTimestamp is the newest caller media timestamp seen, in ms.
	LatestTimestamp    int64
	LastClientSpeechAt time.Time

	firstDelta    int64
	hasFirstDelta bool
	responseDone  bool
	pendingMarks  deque.Deque[string]
}

func New(callKey string, now time.Time) *State {
	return &State{
		CallKey:            callKey,
		CreatedAt:          now,
		LastClientSpeechAt: now,
	}
}

// ObserveTimestamp advances LatestTimestamp. Older timestamps are ignored.
func (s *State) ObserveTimestamp(ts int64) {
	if ts > s.LatestTimestamp {
		s.LatestTimestamp = ts
	}
}

// FirstDelta reports the caller timestamp latched on the first audio delta
// of the response currently playing.
func (s *State) FirstDelta() (int64, bool) {
	return s.firstDelta, s.hasFirstDelta
}

// ObserveDelta records an assistant audio delta for itemID and reports
// whether it was the first one of a response.
func (s *State) ObserveDelta(itemID string) bool {
	if s.responseDone {
		s.responseDone = false
		s.clearLatch()
	}
	if s.hasFirstDelta {
		return false
	}
	s.firstDelta = s.LatestTimestamp
	s.hasFirstDelta = true
	s.LastAssistantItemID = itemID
	return true
}

// CompleteResponse notes that the model finished generating. Playback ends
// once every outstanding mark has been acknowledged.
func (s *State) CompleteResponse() {
	s.responseDone = true
	s.settle()
}

func (s *State) PushMark(name string) {
	s.pendingMarks.PushBack(name)
}

// AckMark pops the oldest outstanding mark. Acks with nothing outstanding
// are ignored.
func (s *State) AckMark() (string, bool) {
	if s.pendingMarks.Len() == 0 {
		return "", false
	}
	name := s.pendingMarks.PopFront()
	s.settle()
	return name, true
}

func (s *State) PendingMarks() int {
	return s.pendingMarks.Len()
}

// InFlight reports whether assistant audio is mid-playback.
func (s *State) InFlight() bool {
	return s.pendingMarks.Len() > 0 && s.hasFirstDelta
}

// ElapsedMS is how much of the playing item the caller has heard.
func (s *State) ElapsedMS() int64 {
	if !s.hasFirstDelta || s.LatestTimestamp < s.firstDelta {
		return 0
	}
	return s.LatestTimestamp - s.firstDelta
}

// ResetPlayback forgets the in-flight response after an interrupt.
func (s *State) ResetPlayback() {
	s.pendingMarks.Clear()
	s.clearLatch()
	s.responseDone = false
}

func (s *State) MarkSpeech(now time.Time) {
	s.LastClientSpeechAt = now
}

func (s *State) SecondsSinceLastSpeech(now time.Time) float64 {
	return now.Sub(s.LastClientSpeechAt).Seconds()
}

func (s *State) settle() {
	if s.responseDone && s.pendingMarks.Len() == 0 {
		s.clearLatch()
		s.responseDone = false
	}
}

func (s *State) clearLatch() {
	s.firstDelta = 0
	s.hasFirstDelta = false
	s.LastAssistantItemID = ""
}
