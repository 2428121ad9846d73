package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-callbridge/internal/callstate"
	"github.com/loqalabs/loqa-callbridge/internal/functions"
	"github.com/loqalabs/loqa-callbridge/internal/protocol"
)

type source int

const (
	fromTelephony source = iota
	fromRealtime
)

func (s source) String() string {
	if s == fromTelephony {
		return "telephony"
	}
	return "realtime"
}

type inbound struct {
	from source
	data []byte
	err  error
}

type functionResult struct {
	name   string
	callID string
	value  any
	err    error
}

// call is the per-call controller. Pumps only read and forward frames; every
// state change and every socket write happens on the controller goroutine.
type call struct {
	b         *Bridge
	key       string
	log       *slog.Logger
	telephony Conn
	realtime  Conn
	phase     Phase

	ctx     context.Context
	inbound chan inbound
	results chan functionResult
	done    chan struct{}

	grace  *time.Timer
	graceC <-chan time.Time
}

func newCall(b *Bridge, key string, telephony Conn, log *slog.Logger) *call {
	return &call{
		b:         b,
		key:       key,
		log:       log,
		telephony: telephony,
		ctx:       context.Background(),
		inbound:   make(chan inbound),
		results:   make(chan functionResult),
		done:      make(chan struct{}),
	}
}

func (c *call) run(ctx context.Context) Reason {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx

	var g errgroup.Group
	g.Go(func() error { return c.pump(fromTelephony, c.telephony) })
	g.Go(func() error { return c.pump(fromRealtime, c.realtime) })

	reason := c.control(ctx)
	cancel()
	close(c.done)
	c.shutdown()
	if err := g.Wait(); err != nil {
		c.log.Debug("pump exited", slog.String("error", err.Error()))
	}
	return reason
}

func (c *call) pump(from source, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		select {
		case c.inbound <- inbound{from: from, data: data, err: err}:
		case <-c.done:
			return err
		}
		if err != nil {
			return err
		}
	}
}

func (c *call) control(ctx context.Context) Reason {
	for {
		var reason Reason
		select {
		case <-ctx.Done():
			return ReasonCanceled
		case <-c.graceC:
			c.log.Info("end_call grace period elapsed")
			return ReasonEndCall
		case res := <-c.results:
			reason = c.deliverResult(res)
		case msg := <-c.inbound:
			switch {
			case msg.err != nil:
				reason = c.readFailed(msg.from, msg.err)
			case msg.from == fromTelephony:
				reason = c.handleTelephony(msg.data)
			default:
				reason = c.handleRealtime(msg.data)
			}
		}
		if reason != "" {
			return reason
		}
	}
}

func (c *call) state() (*callstate.State, bool) {
	st, ok := c.b.store.Get(c.key)
	if !ok {
		c.log.Error("call state missing, ending call")
	}
	return st, ok
}

func (c *call) handleTelephony(data []byte) Reason {
	st, ok := c.state()
	if !ok {
		return ReasonStateExpired
	}
	if c.b.inactivity > 0 {
		if idle := st.SecondsSinceLastSpeech(c.b.clock()); idle >= c.b.inactivity.Seconds() {
			c.log.Info("caller inactive, ending call", slog.Float64("seconds_since_speech", idle))
			return ReasonInactivity
		}
	}

	frame, ok := protocol.Decode(data)
	if !ok {
		c.log.Debug("skipping malformed telephony frame", slog.Int("bytes", len(data)))
		return ""
	}

	switch frame.Event() {
	case protocol.EventStart:
		sid, ok := frame.String("start", "streamSid")
		if !ok || sid == "" {
			sid, _ = frame.String("streamSid")
		}
		st.StreamSID = sid
		if callSID, ok := frame.String("start", "callSid"); ok && callSID != "" && st.CallSID == "" {
			st.CallSID = callSID
			c.log = c.log.With(slog.String("call_sid", callSID))
		}
		c.log = c.log.With(slog.String("stream_sid", sid))
		c.log.Info("media stream started")
		c.publish(protocol.SubjectCallStarted, st, protocol.CallEvent{})

	case protocol.EventMedia:
		if ts, ok := frame.Int("media", "timestamp"); ok {
			st.ObserveTimestamp(ts)
		}
		payload, ok := frame.String("media", "payload")
		if !ok || payload == "" {
			return ""
		}
		if err := c.send(c.realtime, protocol.NewInputAudioAppend(payload)); err != nil {
			return c.writeFailed(fromRealtime, err)
		}
		c.b.metrics.frame(c.ctx, "caller")

	case protocol.EventMark:
		st.AckMark()

	case protocol.EventStop:
		c.log.Info("media stream stopped")
		return ReasonStreamStopped

	default:
		c.log.Debug("ignoring telephony event", slog.String("event", frame.Event()))
	}
	return ""
}

func (c *call) handleRealtime(data []byte) Reason {
	st, ok := c.state()
	if !ok {
		return ReasonStateExpired
	}
	frame, ok := protocol.Decode(data)
	if !ok {
		c.log.Debug("skipping malformed realtime frame", slog.Int("bytes", len(data)))
		return ""
	}

	switch frame.Type() {
	case protocol.TypeSpeechStarted:
		st.MarkSpeech(c.b.clock())
		return c.interrupt(st)
	case protocol.TypeAudioDelta:
		return c.forwardDelta(st, frame)
	case protocol.TypeResponseDone:
		return c.responseDone(st, frame)
	case protocol.TypeError:
		msg, _ := frame.String("error", "message")
		code, _ := frame.String("error", "code")
		c.log.Warn("realtime error event", slog.String("code", code), slog.String("message", msg))
	}
	return ""
}

func (c *call) forwardDelta(st *callstate.State, frame protocol.Frame) Reason {
	delta, ok := frame.String("delta")
	if !ok || delta == "" {
		return ""
	}
	if st.StreamSID == "" {
		c.log.Debug("dropping audio delta before stream start")
		return ""
	}
	if err := c.send(c.telephony, protocol.NewMediaFrame(st.StreamSID, delta)); err != nil {
		return c.writeFailed(fromTelephony, err)
	}
	c.b.metrics.frame(c.ctx, "assistant")

	itemID, _ := frame.String("item_id")
	if st.ObserveDelta(itemID) {
		first, _ := st.FirstDelta()
		c.log.Debug("assistant response playing", slog.String("item_id", itemID), slog.Int64("first_delta_ts", first))
	}
	if err := c.send(c.telephony, protocol.NewMarkFrame(st.StreamSID, c.b.markName)); err != nil {
		return c.writeFailed(fromTelephony, err)
	}
	st.PushMark(c.b.markName)
	return ""
}

// interrupt cuts off the assistant response the caller is talking over. It
// does nothing unless assistant audio is mid-playback.
func (c *call) interrupt(st *callstate.State) Reason {
	if !st.InFlight() {
		return ""
	}
	elapsed := st.ElapsedMS()
	itemID := st.LastAssistantItemID
	if itemID != "" {
		if err := c.send(c.realtime, protocol.NewTruncate(itemID, elapsed)); err != nil {
			return c.writeFailed(fromRealtime, err)
		}
	}
	if err := c.send(c.telephony, protocol.NewClearFrame(st.StreamSID)); err != nil {
		return c.writeFailed(fromTelephony, err)
	}
	st.ResetPlayback()

	c.b.metrics.interrupted(c.ctx)
	c.log.Info("caller interrupted assistant", slog.String("item_id", itemID), slog.Int64("audio_end_ms", elapsed))
	c.publish(protocol.SubjectCallInterrupted, st, protocol.CallEvent{AudioEndMS: elapsed})
	return ""
}

func (c *call) responseDone(st *callstate.State, frame protocol.Frame) Reason {
	st.CompleteResponse()
	if status, _ := frame.String("response", "status"); status == protocol.ResponseStatusFailed {
		details, _ := frame.Raw("response", "status_details")
		c.log.Error("realtime response failed", slog.String("status_details", string(details)))
		return ""
	}
	for _, item := range frame.Objects("response", "output") {
		if typ, _ := item.String("type"); typ != protocol.ItemTypeFunctionCall {
			continue
		}
		name, _ := item.String("name")
		callID, _ := item.String("call_id")
		args, _ := item.Raw("arguments")
		if reason := c.callFunction(st, name, callID, args); reason != "" {
			return reason
		}
	}
	return ""
}

func (c *call) callFunction(st *callstate.State, name, callID string, args json.RawMessage) Reason {
	log := c.log.With(slog.String("function", name), slog.String("function_call_id", callID))

	if functions.IsEndCall(name) {
		output, _ := functions.EncodeResult(map[string]string{"result": "The call will end after your closing statement."})
		if err := c.send(c.realtime, protocol.NewFunctionCallOutput(callID, output)); err != nil {
			return c.writeFailed(fromRealtime, err)
		}
		c.beginGrace()
		c.b.metrics.function(c.ctx, functions.EndCall, "ok")
		c.publish(protocol.SubjectCallFunction, st, protocol.CallEvent{Function: functions.EndCall, Outcome: "ok"})
		log.Info("model requested end of call", slog.Duration("grace", c.b.grace))
		return ""
	}

	h, ok := c.b.registry.Resolve(name)
	if !ok {
		log.Error("model requested unknown function")
		c.b.metrics.function(c.ctx, name, "unknown")
		c.publish(protocol.SubjectCallFunction, st, protocol.CallEvent{Function: name, Outcome: "unknown"})
		return c.sendFunctionOutput(callID, map[string]string{"error": fmt.Sprintf("function %q is not available", name)})
	}

	inv := functions.Invocation{
		Name:    name,
		CallID:  callID,
		CallKey: c.key,
		CallSID: st.CallSID,
		Logger:  log,
	}
	log.Debug("dispatching function")
	go c.invoke(h, inv, args)
	return ""
}

// invoke runs a handler off the controller goroutine and posts its result.
func (c *call) invoke(h functions.Handler, inv functions.Invocation, args json.RawMessage) {
	res := functionResult{name: inv.Name, callID: inv.CallID}
	func() {
		defer func() {
			if p := recover(); p != nil {
				res.err = fmt.Errorf("function %s panicked: %v", inv.Name, p)
			}
		}()
		ctx, cancel := context.WithTimeout(c.ctx, c.b.handlerTimeout)
		defer cancel()
		res.value, res.err = h(ctx, inv, args)
	}()
	select {
	case c.results <- res:
	case <-c.done:
	}
}

func (c *call) deliverResult(res functionResult) Reason {
	payload := res.value
	outcome := "ok"
	if res.err != nil {
		c.log.Error("function failed", slog.String("function", res.name), slog.String("error", res.err.Error()))
		payload = map[string]string{"error": res.err.Error()}
		outcome = "error"
	}
	c.b.metrics.function(c.ctx, res.name, outcome)
	if st, ok := c.b.store.Get(c.key); ok {
		c.publish(protocol.SubjectCallFunction, st, protocol.CallEvent{Function: res.name, Outcome: outcome})
	}
	return c.sendFunctionOutput(res.callID, payload)
}

func (c *call) sendFunctionOutput(callID string, payload any) Reason {
	output, err := functions.EncodeResult(payload)
	if err != nil {
		c.log.Error("function result not serializable", slog.String("error", err.Error()))
		output = `{"error":"function result could not be encoded"}`
	}
	if err := c.send(c.realtime, protocol.NewFunctionCallOutput(callID, output)); err != nil {
		return c.writeFailed(fromRealtime, err)
	}
	if err := c.send(c.realtime, protocol.NewResponseCreate()); err != nil {
		return c.writeFailed(fromRealtime, err)
	}
	return ""
}

func (c *call) beginGrace() {
	if c.graceC != nil {
		return
	}
	c.grace = time.NewTimer(c.b.grace)
	c.graceC = c.grace.C
}

func (c *call) send(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if c.b.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.b.writeTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *call) readFailed(from source, err error) Reason {
	if isClosed(err) {
		c.log.Info("socket closed", slog.String("socket", from.String()))
		if from == fromTelephony {
			return ReasonTelephonyClosed
		}
		return ReasonRealtimeClosed
	}
	c.log.Warn("socket read failed", slog.String("socket", from.String()), slog.String("error", err.Error()))
	if from == fromTelephony {
		return ReasonTelephonyError
	}
	return ReasonRealtimeError
}

func (c *call) writeFailed(to source, err error) Reason {
	c.log.Warn("socket write failed", slog.String("socket", to.String()), slog.String("error", err.Error()))
	if to == fromTelephony {
		return ReasonTelephonyError
	}
	return ReasonRealtimeError
}

// shutdown sends a normal closure to both peers and closes the sockets.
func (c *call) shutdown() {
	c.setPhase(PhaseDraining)
	if c.grace != nil {
		c.grace.Stop()
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	deadline := time.Now().Add(time.Second)
	for _, conn := range []Conn{c.telephony, c.realtime} {
		if conn == nil {
			continue
		}
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
	c.setPhase(PhaseClosed)
}

func (c *call) setPhase(p Phase) {
	c.phase = p
	c.log.Debug("call phase", slog.String("phase", p.String()))
}

func (c *call) publish(subject string, st *callstate.State, evt protocol.CallEvent) {
	if c.b.publisher == nil {
		return
	}
	evt.CallKey = c.key
	evt.CallSID = st.CallSID
	evt.StreamSID = st.StreamSID
	evt.Timestamp = c.b.clock().UTC()
	if err := c.b.publisher.PublishCallEvent(subject, evt); err != nil {
		c.log.Warn("publish call event failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func isClosed(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
