package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Frame is a decoded JSON text frame from either socket. Field accessors
// report absence instead of failing, since neither peer guarantees its
// schema.
type Frame struct {
	root map[string]any
}

// Decode parses raw into a Frame. It returns false for anything that is not
// a single JSON object.
func Decode(raw []byte) (Frame, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Frame{}, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil || root == nil {
		return Frame{}, false
	}
	if dec.More() {
		return Frame{}, false
	}
	return Frame{root: root}, true
}

// Event returns the telephony discriminator.
func (f Frame) Event() string {
	s, _ := f.String("event")
	return s
}

// Type returns the realtime discriminator.
func (f Frame) Type() string {
	s, _ := f.String("type")
	return s
}

// Lookup walks nested objects along path.
func (f Frame) Lookup(path ...string) (any, bool) {
	if f.root == nil {
		return nil, false
	}
	var cur any = f.root
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (f Frame) String(path ...string) (string, bool) {
	v, ok := f.Lookup(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int accepts JSON numbers and numeric strings. Fractional values are
// truncated.
func (f Frame) Int(path ...string) (int64, bool) {
	v, ok := f.Lookup(path...)
	if !ok {
		return 0, false
	}
	var text string
	switch n := v.(type) {
	case json.Number:
		text = n.String()
	case string:
		text = strings.TrimSpace(n)
	default:
		return 0, false
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, true
	}
	fl, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(fl) || math.IsInf(fl, 0) {
		return 0, false
	}
	return int64(fl), true
}

// Raw re-encodes the value at path.
func (f Frame) Raw(path ...string) (json.RawMessage, bool) {
	v, ok := f.Lookup(path...)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Objects returns the object elements of the array at path, skipping
// elements of any other kind.
func (f Frame) Objects(path ...string) []Frame {
	v, ok := f.Lookup(path...)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Frame, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, Frame{root: obj})
		}
	}
	return out
}
