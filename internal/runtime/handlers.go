package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go/twiml"
)

const callSIDParameter = "callSid"

// handleIncomingCall answers the telephony webhook with TwiML that connects
// the call to the media stream endpoint.
func (r *Runtime) handleIncomingCall(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	if r.validator != nil {
		params := make(map[string]string, len(req.PostForm))
		for k := range req.PostForm {
			params[k] = req.PostForm.Get(k)
		}
		if !r.validator.Validate(r.externalURL(req, "https"), params, req.Header.Get("X-Twilio-Signature")) {
			r.logger.Warn("rejected webhook with invalid signature", slog.String("remote", req.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	callSID := req.PostForm.Get("CallSid")
	streamURL := r.streamURL(req, callSID)

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{
					Url: streamURL,
					InnerElements: []twiml.Element{
						&twiml.VoiceParameter{Name: callSIDParameter, Value: callSID},
					},
				},
			},
		},
	})
	if err != nil {
		r.logger.Error("render twiml", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	r.logger.Info("incoming call", slog.String("call_sid", callSID), slog.String("stream_url", streamURL))
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// handleStream upgrades the media stream connection and bridges it until the
// call ends.
func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	callSID := req.URL.Query().Get("CallSid")
	id := callSID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.baseContext())
	release, ok := r.calls.Acquire(id, r.cfg.Call.MaxCalls, cancel)
	if !ok {
		cancel()
		r.logger.Warn("rejecting call at capacity", slog.Int("max_calls", r.cfg.Call.MaxCalls))
		http.Error(w, "too many active calls", http.StatusServiceUnavailable)
		return
	}
	defer release()
	defer cancel()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	reason, err := r.bridge.Serve(ctx, callSID, conn)
	if err != nil {
		r.logger.Error("call failed", slog.String("call_sid", callSID), slog.String("reason", string(reason)), slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) publicHost(req *http.Request) string {
	if host := strings.TrimSpace(r.cfg.Telephony.PublicHost); host != "" {
		return host
	}
	if fwd := req.Header.Get("X-Forwarded-Host"); fwd != "" {
		return fwd
	}
	return req.Host
}

// externalURL is the URL the provider signed, as seen from outside any proxy.
func (r *Runtime) externalURL(req *http.Request, scheme string) string {
	u := url.URL{Scheme: scheme, Host: r.publicHost(req), Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	return u.String()
}

func (r *Runtime) streamURL(req *http.Request, callSID string) string {
	scheme := "wss"
	if r.cfg.Telephony.PublicHost == "" && req.TLS == nil && req.Header.Get("X-Forwarded-Proto") == "" {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: r.publicHost(req), Path: r.cfg.Telephony.StreamPath}
	if callSID != "" {
		u.RawQuery = url.Values{"CallSid": {callSID}}.Encode()
	}
	return u.String()
}
