package protocol

import "encoding/json"

// Realtime events, discriminated by the "type" field.
const (
	TypeSessionUpdate            = "session.update"
	TypeConversationItemCreate   = "conversation.item.create"
	TypeConversationItemTruncate = "conversation.item.truncate"
	TypeResponseCreate           = "response.create"
	TypeInputAudioAppend         = "input_audio_buffer.append"
	TypeSpeechStarted            = "input_audio_buffer.speech_started"
	TypeAudioDelta               = "response.audio.delta"
	TypeResponseDone             = "response.done"
	TypeError                    = "error"
)

const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"

	ResponseStatusFailed = "failed"
)

type SessionUpdate struct {
	Type    string  `json:"type"`
	Session Session `json:"session"`
}

type Session struct {
	Modalities        []string      `json:"modalities"`
	Instructions      string        `json:"instructions"`
	Voice             string        `json:"voice"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     TurnDetection `json:"turn_detection"`
	Tools             []Tool        `json:"tools"`
	ToolChoice        string        `json:"tool_choice,omitempty"`
	Temperature       float64       `json:"temperature"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// Tool is a function the model may call.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ConversationItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

// NewUserText builds a user-authored text message item.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    ItemTypeMessage,
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

func NewInputAudioAppend(audio string) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: audio}
}

// NewTruncate cuts the first content part of itemID at audioEndMS.
func NewTruncate(itemID string, audioEndMS int64) ConversationItemTruncate {
	return ConversationItemTruncate{
		Type:         TypeConversationItemTruncate,
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMS:   audioEndMS,
	}
}
