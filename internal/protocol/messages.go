package protocol

import "time"

// CallEvent is the lifecycle record published on the bus for each call.
type CallEvent struct {
	CallKey    string    `json:"call_key"`
	CallSID    string    `json:"call_sid,omitempty"`
	StreamSID  string    `json:"stream_sid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Function   string    `json:"function,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	AudioEndMS int64     `json:"audio_end_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectCallStarted     = "call.started"
	SubjectCallEnded       = "call.ended"
	SubjectCallInterrupted = "call.interrupted"
	SubjectCallFunction    = "call.function"
)
