// Package session builds the events that configure a realtime model session
// and open the conversation.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-callbridge/internal/functions"
	"github.com/loqalabs/loqa-callbridge/internal/protocol"
)

// ErrFunctionsSource is returned when function calling is enabled but no
// function descriptions were supplied.
var ErrFunctionsSource = errors.New("function calling enabled without function descriptions")

const (
	EndCallPolicy = "When the caller says goodbye or the conversation has clearly reached its end, " +
		"say a short farewell first and then call the end_call function. Never call end_call while the caller still needs help."
	DefaultGreeting = "The call has started. Greet the caller based on the instructions provided."
)

type Options struct {
	Instructions      string
	EndCallPolicy     bool
	Greeting          string
	Voice             string
	Temperature       float64
	TurnDetection     string
	InputAudioFormat  string
	OutputAudioFormat string
	FunctionsEnabled  bool
	Functions         []functions.Description
}

// Builder holds the prebuilt session events shared by every call.
type Builder struct {
	update protocol.SessionUpdate
	start  []any
}

func New(opts Options) (*Builder, error) {
	if strings.TrimSpace(opts.Instructions) == "" {
		return nil, errors.New("session instructions must not be empty")
	}
	if opts.FunctionsEnabled && len(opts.Functions) == 0 {
		return nil, ErrFunctionsSource
	}

	var descs []functions.Description
	if opts.FunctionsEnabled {
		descs = append(descs, opts.Functions...)
	}
	descs = append(descs, functions.EndCallDescription())

	tools := make([]protocol.Tool, 0, len(descs))
	for _, d := range descs {
		tool, err := toTool(d)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}

	instructions := strings.TrimSpace(opts.Instructions)
	if opts.EndCallPolicy {
		instructions += " " + EndCallPolicy
	}
	greeting := opts.Greeting
	if strings.TrimSpace(greeting) == "" {
		greeting = DefaultGreeting
	}

	return &Builder{
		update: protocol.SessionUpdate{
			Type: protocol.TypeSessionUpdate,
			Session: protocol.Session{
				Modalities:        []string{"text", "audio"},
				Instructions:      instructions,
				Voice:             opts.Voice,
				InputAudioFormat:  opts.InputAudioFormat,
				OutputAudioFormat: opts.OutputAudioFormat,
				TurnDetection:     protocol.TurnDetection{Type: opts.TurnDetection},
				Tools:             tools,
				ToolChoice:        "auto",
				Temperature:       opts.Temperature,
			},
		},
		start: []any{
			protocol.NewUserText(greeting),
			protocol.NewResponseCreate(),
		},
	}, nil
}

func (b *Builder) SessionUpdate() protocol.SessionUpdate {
	return b.update
}

// StartConversation returns the greeting turn followed by the request for
// the model's first reply.
func (b *Builder) StartConversation() []any {
	return append([]any(nil), b.start...)
}

// Events returns everything sent upstream before relaying audio, in order.
func (b *Builder) Events() []any {
	return append([]any{b.update}, b.start...)
}

func toTool(d functions.Description) (protocol.Tool, error) {
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return protocol.Tool{}, fmt.Errorf("encode parameters for %s: %w", d.Name, err)
	}
	return protocol.Tool{
		Type:        "function",
		Name:        d.Name,
		Description: d.Description,
		Parameters:  raw,
	}, nil
}

// LoadInstructions reads a prompt file, dropping blank lines and joining the
// rest with single spaces.
func LoadInstructions(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read instructions: %w", err)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("instructions file %s is empty", path)
	}
	return strings.Join(lines, " "), nil
}
