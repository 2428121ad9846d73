package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// NewHTTPHandler POSTs each invocation to url and returns the response body.
func NewHTTPHandler(url string, headers map[string]string, timeout time.Duration, client *http.Client) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, inv Invocation, raw json.RawMessage) (any, error) {
		body, err := newRequest(inv, raw)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("function %s request failed: %w", inv.Name, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read function %s response: %w", inv.Name, err)
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("function %s returned status %s", inv.Name, resp.Status)
		}
		return result(data), nil
	}
}

// Bind registers a handler for every description in m that declares one.
func Bind(r *Registry, m Manifest, defaultTimeout time.Duration) error {
	for _, fn := range m.Functions {
		if fn.Handler == nil {
			continue
		}
		timeout := defaultTimeout
		if fn.Handler.TimeoutMS > 0 {
			timeout = time.Duration(fn.Handler.TimeoutMS) * time.Millisecond
		}
		switch strings.ToLower(fn.Handler.Mode) {
		case "exec":
			h, err := NewExecHandler(fn.Handler.Command, timeout)
			if err != nil {
				return fmt.Errorf("bind %s: %w", fn.Name, err)
			}
			r.RegisterRaw(fn.Name, h)
		case "http":
			r.RegisterRaw(fn.Name, NewHTTPHandler(fn.Handler.URL, fn.Handler.Headers, timeout, nil))
		default:
			return fmt.Errorf("bind %s: handler mode %q not supported", fn.Name, fn.Handler.Mode)
		}
	}
	return nil
}
