package functions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type lookupArgs struct {
	ID string `json:"id"`
}

func TestRegisterDecodesStringArguments(t *testing.T) {
	r := NewRegistry()
	var got string
	Register(r, "lookup", func(_ context.Context, _ Invocation, args lookupArgs) (any, error) {
		got = args.ID
		return map[string]bool{"found": true}, nil
	})

	raw := json.RawMessage(`"{\"id\":\"42\"}"`)
	res, err := r.Dispatch(context.Background(), "lookup", Invocation{}, raw)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got != "42" {
		t.Fatalf("expected id 42, got %q", got)
	}
	out, err := EncodeResult(res)
	if err != nil || out != `{"found":true}` {
		t.Fatalf("unexpected result %q (%v)", out, err)
	}
}

func TestRegisterDecodesObjectArguments(t *testing.T) {
	r := NewRegistry()
	Register(r, "lookup", func(_ context.Context, _ Invocation, args lookupArgs) (any, error) {
		return args.ID, nil
	})
	res, err := r.Dispatch(context.Background(), "lookup", Invocation{}, json.RawMessage(`{"id":"7"}`))
	if err != nil || res != "7" {
		t.Fatalf("unexpected %v (%v)", res, err)
	}
}

func TestNamesAreCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.RegisterRaw("Check_Order", func(context.Context, Invocation, json.RawMessage) (any, error) { return "first", nil })
	r.RegisterRaw("check_order", func(context.Context, Invocation, json.RawMessage) (any, error) { return "second", nil })

	h, ok := r.Resolve("CHECK_ORDER")
	if !ok {
		t.Fatal("expected case-insensitive resolve")
	}
	res, _ := h(context.Background(), Invocation{}, nil)
	if res != "second" {
		t.Fatalf("expected re-register to overwrite, got %v", res)
	}
	if names := r.Names(); len(names) != 1 {
		t.Fatalf("expected one name, got %v", names)
	}
}

func TestDispatchInvalidArguments(t *testing.T) {
	r := NewRegistry()
	Register(r, "lookup", func(context.Context, Invocation, lookupArgs) (any, error) {
		t.Fatal("handler must not run on bad arguments")
		return nil, nil
	})
	for _, raw := range []string{`"{\"id\":"`, `{"id":42}`, `[1,2]`} {
		_, err := r.Dispatch(context.Background(), "lookup", Invocation{}, json.RawMessage(raw))
		if !errors.Is(err, ErrInvalidArguments) {
			t.Fatalf("expected ErrInvalidArguments for %s, got %v", raw, err)
		}
	}
}

func TestDispatchUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Dispatch(context.Background(), "missing", Invocation{}, nil); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestEmptyArgumentsDecodeAsObject(t *testing.T) {
	var args lookupArgs
	for _, raw := range []string{``, `null`, `""`} {
		if err := DecodeArguments(json.RawMessage(raw), &args); err != nil {
			t.Fatalf("expected %q to decode, got %v", raw, err)
		}
	}
}

func TestIsEndCall(t *testing.T) {
	if !IsEndCall(" END_CALL ") {
		t.Fatal("expected end_call match")
	}
	if IsEndCall("end_calls") {
		t.Fatal("unexpected match")
	}
}

func TestEncodeResultRaw(t *testing.T) {
	out, err := EncodeResult(json.RawMessage(`{"ok":1}`))
	if err != nil || out != `{"ok":1}` {
		t.Fatalf("unexpected %q (%v)", out, err)
	}
	out, _ = EncodeResult("plain")
	if out != `"plain"` {
		t.Fatalf("expected quoted string, got %q", out)
	}
}
