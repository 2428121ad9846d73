package protocol

// Media stream events, discriminated by the "event" field.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

type MediaFrame struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Payload string `json:"payload"`
}

type MarkFrame struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      MarkName `json:"mark"`
}

type MarkName struct {
	Name string `json:"name"`
}

type ClearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewMediaFrame(streamSID, payload string) MediaFrame {
	return MediaFrame{Event: EventMedia, StreamSID: streamSID, Media: MediaPayload{Payload: payload}}
}

func NewMarkFrame(streamSID, name string) MarkFrame {
	return MarkFrame{Event: EventMark, StreamSID: streamSID, Mark: MarkName{Name: name}}
}

func NewClearFrame(streamSID string) ClearFrame {
	return ClearFrame{Event: EventClear, StreamSID: streamSID}
}
