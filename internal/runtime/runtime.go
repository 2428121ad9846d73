package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/loqalabs/loqa-callbridge/internal/bridge"
	"github.com/loqalabs/loqa-callbridge/internal/bus"
	"github.com/loqalabs/loqa-callbridge/internal/callstate"
	"github.com/loqalabs/loqa-callbridge/internal/config"
	"github.com/loqalabs/loqa-callbridge/internal/functions"
	"github.com/loqalabs/loqa-callbridge/internal/natsserver"
	"github.com/loqalabs/loqa-callbridge/internal/session"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	registry      *functions.Registry
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embeddedNATS  *natsserver.EmbeddedServer
	busClient     *bus.Client
	bridge        *bridge.Bridge
	validator     *twilioclient.RequestValidator
	upgrader      websocket.Upgrader
	calls         *callTracker
	baseCtx       atomic.Value
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		registry: functions.NewRegistry(),
		calls:    newCallTracker(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Functions returns the registry consulted when the model calls a function.
// Register handlers before Start; a manifest handler with the same name
// replaces one registered in code.
func (r *Runtime) Functions() *functions.Registry {
	return r.registry
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("incoming_path", r.cfg.Telephony.IncomingPath),
		slog.String("stream_path", r.cfg.Telephony.StreamPath))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if n := r.calls.CancelAll(); n > 0 {
		r.logger.Info("ending active calls", slog.Int("calls", n))
	}
	if !r.calls.Wait(shutdownCtx) {
		r.logger.Warn("timed out waiting for calls to end", slog.Int("remaining", r.calls.Count()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	return nil
}

// setup builds the call bridge and its collaborators. It does not open any
// listening socket.
func (r *Runtime) setup(ctx context.Context) error {
	r.baseCtx.Store(ctx)

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	var descs []functions.Description
	if r.cfg.Functions.Enabled {
		m, err := functions.LoadManifest(r.cfg.Functions.Path)
		if err != nil {
			return err
		}
		if err := functions.Validate(m); err != nil {
			return fmt.Errorf("invalid function manifest %s: %w", r.cfg.Functions.Path, err)
		}
		if err := functions.Bind(r.registry, m, time.Duration(r.cfg.Functions.TimeoutMS)*time.Millisecond); err != nil {
			return err
		}
		descs = m.Functions
		for _, d := range descs {
			if _, ok := r.registry.Resolve(d.Name); !ok {
				r.logger.Warn("function has no handler; calls will report an error", slog.String("function", d.Name))
			}
		}
		r.logger.Info("functions loaded", slog.Int("count", len(descs)), slog.String("path", r.cfg.Functions.Path))
	}

	instructions := r.cfg.Assistant.Instructions
	if path := r.cfg.Assistant.InstructionsPath; path != "" {
		loaded, err := session.LoadInstructions(path)
		if err != nil {
			return err
		}
		instructions = loaded
	}

	builder, err := session.New(session.Options{
		Instructions:      instructions,
		EndCallPolicy:     r.cfg.Assistant.EndCallPolicy,
		Greeting:          r.cfg.Assistant.Greeting,
		Voice:             r.cfg.Realtime.Voice,
		Temperature:       r.cfg.Realtime.Temperature,
		TurnDetection:     r.cfg.Realtime.TurnDetection,
		InputAudioFormat:  r.cfg.Realtime.InputAudioFormat,
		OutputAudioFormat: r.cfg.Realtime.OutputAudioFormat,
		FunctionsEnabled:  r.cfg.Functions.Enabled,
		Functions:         descs,
	})
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	store := callstate.NewStore(r.cfg.Call.MaxCalls, time.Duration(r.cfg.Call.StateTTLMinutes)*time.Minute,
		r.logger.With(slog.String("component", "callstate")))

	opts := bridge.Options{
		Store:             store,
		Registry:          r.registry,
		Session:           builder,
		Dialer:            bridge.NewRealtimeDialer(r.cfg.Realtime),
		Logger:            r.logger,
		InactivityTimeout: time.Duration(r.cfg.Call.InactivityTimeoutSeconds) * time.Second,
		EndCallGrace:      time.Duration(r.cfg.Call.EndCallGraceMS) * time.Millisecond,
		HandlerTimeout:    time.Duration(r.cfg.Functions.TimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(r.cfg.Realtime.WriteTimeoutMS) * time.Millisecond,
		MarkName:          r.cfg.Call.MarkName,
	}
	if r.busClient != nil {
		opts.Publisher = r.busClient
	}
	r.bridge, err = bridge.New(opts)
	if err != nil {
		return err
	}

	if r.cfg.Telephony.ValidateSignature {
		v := twilioclient.NewRequestValidator(r.cfg.Telephony.AuthToken)
		r.validator = &v
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embeddedNATS = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST "+r.cfg.Telephony.IncomingPath, r.handleIncomingCall)
	mux.HandleFunc("GET "+r.cfg.Telephony.StreamPath, r.handleStream)
	return mux
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) baseContext() context.Context {
	if ctx, ok := r.baseCtx.Load().(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (r *Runtime) teardown(ctx context.Context) {
	r.busClient.Close()
	r.embeddedNATS.Shutdown()
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
