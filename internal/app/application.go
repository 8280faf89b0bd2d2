package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/marketplace/internal/app/system"
	"github.com/R3E-Network/marketplace/internal/audit"
	"github.com/R3E-Network/marketplace/internal/config"
	"github.com/R3E-Network/marketplace/internal/events"
	"github.com/R3E-Network/marketplace/internal/events/redispub"
	"github.com/R3E-Network/marketplace/internal/httpapi"
	"github.com/R3E-Network/marketplace/internal/ledger"
	"github.com/R3E-Network/marketplace/internal/logging"
	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/internal/metrics"
	"github.com/R3E-Network/marketplace/internal/middleware"
	"github.com/R3E-Network/marketplace/internal/storage"
	"github.com/R3E-Network/marketplace/internal/storage/memory"
	"github.com/R3E-Network/marketplace/internal/storage/postgres"
)

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Dependencies overrides collaborators that are otherwise built from config.
// Nil fields are built from the configuration.
type Dependencies struct {
	Journal   storage.Journal
	Publisher *redispub.Publisher
}

// Application ties the marketplace components together and manages their
// lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logging.Logger
	manager *system.Manager

	Ledger   *ledger.Ledger
	Registry *marketplace.Registry
	Events   *events.RingBuffer
	Journal  storage.Journal
	Auditor  *audit.Auditor
	Stream   *httpapi.Streamer
	Redis    *redispub.Publisher

	handler     http.Handler
	unsubscribe []func()

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// New builds a fully initialised application. The journal is replayed
// before New returns, so the registry reflects every persisted operation.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, log *logging.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log == nil {
		log = logging.NewDefault("marketplace")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}

	a := &Application{
		cfg:     cfg,
		log:     log,
		manager: system.NewManager(),
		Ledger:  ledger.New(),
		Events:  events.NewRingBuffer(cfg.Events.BufferSize),
		Stream:  httpapi.NewStreamer(0, log),
		Redis:   deps.Publisher,
	}

	total, err := a.loadGenesis(ctx)
	if err != nil {
		return nil, err
	}

	journal := deps.Journal
	if journal == nil {
		if journal, err = openJournal(ctx, cfg.Storage); err != nil {
			return nil, err
		}
	}
	a.Journal = journal

	reg, err := marketplace.New(marketplace.Identity(cfg.Registry.SuperAdministrator),
		marketplace.WithLedger(a.Ledger),
		marketplace.WithJournal(meteredJournal{journal}),
		marketplace.WithPublisher(a.Events),
		marketplace.WithLogger(log),
	)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("create registry: %w", err)
	}
	a.Registry = reg

	entries, err := journal.List(ctx, 0)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if err := reg.Replay(ctx, storage.Operations(entries)); err != nil {
		_ = journal.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"operations": len(entries),
		"genesis":    total,
		"driver":     cfg.Storage.Driver,
	}).Info("registry restored from journal")
	metrics.SetEscrow(a.Ledger.Balance(ledger.EscrowAccount))

	if a.Redis == nil && cfg.Events.RedisURL != "" {
		pub, err := redispub.New(ctx, cfg.Events.RedisURL, cfg.Events.RedisChannel, log)
		if err != nil {
			_ = journal.Close()
			return nil, err
		}
		a.Redis = pub
	}
	a.subscribe()

	if cfg.Audit.Schedule != "" {
		a.Auditor = audit.New(reg, a.Ledger, cfg.Audit.Schedule, log)
	}

	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst, log)
	}
	var cors *middleware.CORSMiddleware
	if len(cfg.HTTP.CORSOrigins) > 0 {
		cors = middleware.NewCORSMiddleware(cfg.HTTP.CORSOrigins)
	}
	a.handler = httpapi.NewHandler(httpapi.Options{
		Registry: reg,
		Ledger:   a.Ledger,
		Events:   a.Events,
		Stream:   a.Stream,
		Auth:     middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, nil),
		Limiter:  limiter,
		CORS:     cors,
		Health:   a,
		Logger:   log,
	})

	if err := a.registerServices(limiter); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) loadGenesis(ctx context.Context) (int64, error) {
	var total int64
	for _, account := range a.cfg.GenesisAccounts() {
		id, err := marketplace.ParseIdentity(account)
		if err != nil {
			return 0, fmt.Errorf("genesis account %q: %w", account, err)
		}
		amount := a.cfg.Registry.Genesis[account]
		if err := a.Ledger.Credit(ctx, string(id), amount, ledger.TxGenesis, "genesis"); err != nil {
			return 0, fmt.Errorf("genesis account %s: %w", id, err)
		}
		total += amount
	}
	return total, nil
}

func openJournal(ctx context.Context, cfg config.StorageConfig) (storage.Journal, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.Apply(ctx, store.DB()); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case config.DriverMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// subscribe attaches the event sinks to the ring buffer.
func (a *Application) subscribe() {
	a.unsubscribe = append(a.unsubscribe,
		a.Events.Subscribe(metrics.RecordEvent),
		a.Events.Subscribe(a.logEvent),
		a.Events.Subscribe(a.Stream.Handle),
	)
	if a.Redis != nil {
		a.unsubscribe = append(a.unsubscribe, a.Events.Subscribe(a.Redis.Handle))
	}
}

func (a *Application) logEvent(evt events.Event) {
	entry := a.log.WithFields(logrus.Fields{
		"event_id":  evt.ID,
		"sequence":  evt.Sequence,
		"category":  evt.Category,
		"operation": evt.Operation,
		"caller":    evt.Caller,
		"outcome":   evt.Outcome.String(),
		"trace_id":  evt.TraceID,
	})
	if evt.Success {
		entry.Info(evt.Status)
		return
	}
	entry.WithField("error_kind", evt.ErrorKind).Warn(evt.Status)
}

func (a *Application) registerServices(limiter *middleware.RateLimiter) error {
	services := []system.Service{}
	if a.Auditor != nil {
		services = append(services, system.Func{
			ServiceName: "auditor",
			OnStart: func(ctx context.Context) error {
				a.Auditor.Run(ctx)
				return a.Auditor.Start()
			},
			OnStop: func(ctx context.Context) error {
				a.Auditor.Stop(ctx)
				return nil
			},
		})
	}
	if limiter != nil {
		stop := make(chan struct{})
		services = append(services, system.Func{
			ServiceName: "ratelimit-cleanup",
			OnStart: func(context.Context) error {
				limiter.StartCleanup(time.Minute, stop)
				return nil
			},
			OnStop: func(context.Context) error {
				close(stop)
				return nil
			},
		})
	}
	services = append(services, system.Func{
		ServiceName: "http",
		OnStart:     a.startHTTP,
		OnStop:      a.stopHTTP,
	})
	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Handler returns the HTTP API.
func (a *Application) Handler() http.Handler {
	return a.handler
}

// Addr returns the bound listener address once the HTTP service has started.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *Application) startHTTP(context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTP.Addr, err)
	}
	srv := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)

	a.mu.Lock()
	a.server, a.listener, a.serveErr = srv, ln, errCh
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.log.WithField("addr", ln.Addr().String()).Info("marketplace API listening")
	return nil
}

func (a *Application) stopHTTP(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	a.Stream.Close()
	return srv.Shutdown(ctx)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and releases the journal and Redis connections.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	for _, cancel := range a.unsubscribe {
		cancel()
	}
	a.unsubscribe = nil
	if a.Redis != nil {
		err = errors.Join(err, a.Redis.Close())
	}
	return errors.Join(err, a.Journal.Close())
}

// Run starts the application and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down within the configured timeout.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Stop(context.Background()))
	}
	a.mu.Lock()
	serveErr := a.serveErr
	a.mu.Unlock()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	timeout := a.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.log.Info("shutting down")
	return errors.Join(runErr, a.Stop(shutdownCtx))
}

// Health reports degraded when the journal has failed or the last audit found
// violations.
func (a *Application) Health() httpapi.Health {
	h := httpapi.Health{Status: StatusOK, Checks: map[string]string{"journal": "ok"}}
	if err := a.Registry.JournalErr(); err != nil {
		h.Status = StatusDegraded
		h.Checks["journal"] = err.Error()
	}
	if a.Auditor != nil {
		report, ok := a.Auditor.LastReport()
		switch {
		case !ok:
			h.Checks["audit"] = "pending"
		case report.OK():
			h.Checks["audit"] = "ok"
		default:
			h.Status = StatusDegraded
			h.Checks["audit"] = fmt.Sprintf("%d violations at %s", len(report.Violations), report.RanAt.Format(time.RFC3339))
		}
	}
	if a.Redis != nil {
		h.Checks["redis"] = a.Redis.Channel()
	}
	return h
}

// meteredJournal counts journal write failures.
type meteredJournal struct {
	storage.Journal
}

func (j meteredJournal) Record(ctx context.Context, op marketplace.Operation) error {
	err := j.Journal.Record(ctx, op)
	if err != nil {
		metrics.RecordJournalError()
	}
	return err
}
