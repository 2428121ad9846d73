package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-callbridge/internal/config"
)

// Conn is the subset of *websocket.Conn the bridge uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the upstream realtime connection for one call.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// RealtimeDialer connects to an OpenAI-compatible realtime endpoint.
type RealtimeDialer struct {
	url    string
	model  string
	apiKey string
	beta   string
	dialer *websocket.Dialer
}

func NewRealtimeDialer(cfg config.RealtimeConfig) *RealtimeDialer {
	return &RealtimeDialer{
		url:    cfg.URL,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		beta:   cfg.BetaHeader,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		},
	}
}

func (d *RealtimeDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.apiKey)
	if d.beta != "" {
		header.Set("OpenAI-Beta", d.beta)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	return conn, nil
}
