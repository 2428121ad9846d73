package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// request is the JSON document external handlers receive.
type request struct {
	Name      string          `json:"name"`
	CallID    string          `json:"call_id,omitempty"`
	CallSID   string          `json:"call_sid,omitempty"`
	Arguments json.RawMessage `json:"arguments"`
}

func newRequest(inv Invocation, raw json.RawMessage) ([]byte, error) {
	var args json.RawMessage
	if err := DecodeArguments(raw, &args); err != nil {
		return nil, err
	}
	return json.Marshal(request{
		Name:      inv.Name,
		CallID:    inv.CallID,
		CallSID:   inv.CallSID,
		Arguments: args,
	})
}

// NewExecHandler runs command for each invocation, writing the request on
// stdin and reading the result from stdout.
func NewExecHandler(command string, timeout time.Duration) (Handler, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse function command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("function command empty")
	}

	return func(ctx context.Context, inv Invocation, raw json.RawMessage) (any, error) {
		input, err := newRequest(inv, raw)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		output, err := cmd.Output()
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("function %s exec failed: %w: %s", inv.Name, err, msg)
			}
			return nil, fmt.Errorf("function %s exec failed: %w", inv.Name, err)
		}
		return result(output), nil
	}, nil
}

// result keeps JSON output as-is and wraps anything else as a string.
func result(body []byte) any {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}
