// Package bridge relays one phone call between a telephony media stream and
// a realtime speech model, handling barge-in and model function calls.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-callbridge/internal/callstate"
	"github.com/loqalabs/loqa-callbridge/internal/functions"
	"github.com/loqalabs/loqa-callbridge/internal/protocol"
	"github.com/loqalabs/loqa-callbridge/internal/session"
)

// Reason records why a call stopped.
type Reason string

const (
	ReasonTelephonyClosed Reason = "telephony_closed"
	ReasonRealtimeClosed  Reason = "realtime_closed"
	ReasonTelephonyError  Reason = "telephony_error"
	ReasonRealtimeError   Reason = "realtime_error"
	ReasonStateExpired    Reason = "state_expired"
	ReasonInactivity      Reason = "inactivity"
	ReasonEndCall         Reason = "end_call"
	ReasonStreamStopped   Reason = "stream_stopped"
	ReasonCanceled        Reason = "canceled"
)

// Phase is the lifecycle stage of a call.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseSessionInit
	PhaseActive
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseSessionInit:
		return "session_init"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Publisher receives call lifecycle events.
type Publisher interface {
	PublishCallEvent(subject string, evt protocol.CallEvent) error
}

type Options struct {
	Store     *callstate.Store
	Registry  *functions.Registry
	Session   *session.Builder
	Dialer    Dialer
	Publisher Publisher
	Logger    *slog.Logger

	// InactivityTimeout closes a call whose caller has not spoken for this
	// long. It is checked when a telephony frame arrives; zero disables it.
	InactivityTimeout time.Duration
	// EndCallGrace delays teardown after end_call so the farewell can play.
	EndCallGrace   time.Duration
	HandlerTimeout time.Duration
	WriteTimeout   time.Duration
	MarkName       string
	Clock          func() time.Time
}

type Bridge struct {
	store          *callstate.Store
	registry       *functions.Registry
	session        *session.Builder
	dialer         Dialer
	publisher      Publisher
	log            *slog.Logger
	inactivity     time.Duration
	grace          time.Duration
	handlerTimeout time.Duration
	writeTimeout   time.Duration
	markName       string
	clock          func() time.Time
	metrics        *metrics
	tracer         trace.Tracer
}

func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, errors.New("bridge: call state store is required")
	}
	if opts.Session == nil {
		return nil, errors.New("bridge: session builder is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("bridge: realtime dialer is required")
	}
	if opts.Registry == nil {
		opts.Registry = functions.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MarkName == "" {
		opts.MarkName = "responsePart"
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 10 * time.Second
	}
	log := opts.Logger.With(slog.String("component", "bridge"))
	return &Bridge{
		store:          opts.Store,
		registry:       opts.Registry,
		session:        opts.Session,
		dialer:         opts.Dialer,
		publisher:      opts.Publisher,
		log:            log,
		inactivity:     opts.InactivityTimeout,
		grace:          opts.EndCallGrace,
		handlerTimeout: opts.HandlerTimeout,
		writeTimeout:   opts.WriteTimeout,
		markName:       opts.MarkName,
		clock:          opts.Clock,
		metrics:        newMetrics(log),
		tracer:         otel.Tracer(instrumentationName),
	}, nil
}

// Serve bridges telephony to a new realtime connection until either side
// goes away. Both sockets are closed when it returns. The error is non-nil
// only when the call never became active.
func (b *Bridge) Serve(ctx context.Context, callSID string, telephony Conn) (Reason, error) {
	started := b.clock()
	key := uuid.NewString()
	st := callstate.New(key, started)
	st.CallSID = callSID
	b.store.Put(key, st)
	defer b.store.Delete(key)

	ctx, span := b.tracer.Start(ctx, "callbridge.call", trace.WithAttributes(
		attribute.String("call.key", key),
		attribute.String("call.sid", callSID),
	))
	defer span.End()

	c := newCall(b, key, telephony, b.log.With(slog.String("call_key", key), slog.String("call_sid", callSID)))
	c.setPhase(PhaseConnecting)

	upstream, err := b.dialer.Dial(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial realtime")
		c.shutdown()
		return ReasonRealtimeError, err
	}
	c.realtime = upstream

	c.setPhase(PhaseSessionInit)
	for _, evt := range b.session.Events() {
		if err := c.send(upstream, evt); err != nil {
			err = fmt.Errorf("initialize session: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "initialize session")
			c.shutdown()
			return ReasonRealtimeError, err
		}
	}
	c.setPhase(PhaseActive)
	c.log.Info("call bridged")
	b.metrics.callStarted(ctx)

	reason := c.run(ctx)

	elapsed := b.clock().Sub(started)
	b.metrics.callEnded(ctx, reason, elapsed)
	span.SetAttributes(attribute.String("call.end_reason", string(reason)))
	c.publish(protocol.SubjectCallEnded, st, protocol.CallEvent{Reason: string(reason)})
	c.log.Info("call ended", slog.String("reason", string(reason)), slog.Duration("duration", elapsed))
	return reason, nil
}
