// Package app assembles the triage service: store, classifier, tool
// executor, engine, dispatcher, webhook ingress, reviewer API, and the
// background workers that connect them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avoline/triage/common/retry"
	"github.com/avoline/triage/internal/triage/approvals"
	"github.com/avoline/triage/internal/triage/backend"
	"github.com/avoline/triage/internal/triage/channel"
	"github.com/avoline/triage/internal/triage/classify"
	"github.com/avoline/triage/internal/triage/dispatch"
	"github.com/avoline/triage/internal/triage/engine"
	"github.com/avoline/triage/internal/triage/export"
	"github.com/avoline/triage/internal/triage/notify"
	"github.com/avoline/triage/internal/triage/respond"
	"github.com/avoline/triage/internal/triage/store"
	"github.com/avoline/triage/internal/triage/tools"
	"github.com/avoline/triage/internal/triage/webhook"
)

// Config holds application configuration.
type Config struct {
	DatabasePath string
	// HTTPAddr is the TCP address the service listens on (webhook ingress,
	// reviewer API, health endpoints).
	HTTPAddr string
	// ToolsetPath points at a toolset YAML file. Empty uses the embedded
	// default toolset.
	ToolsetPath string

	// Webhook configures the inbound helpdesk ingress.
	Webhook webhook.Config
	// ReviewerToken authenticates the reviewer API.
	ReviewerToken string

	// ApprovalTTL is how long a gated tool execution waits for a reviewer
	// before it expires. Zero uses the executor default.
	ApprovalTTL time.Duration
	// SweepInterval is the cadence of the approval-expiry sweeper. Defaults
	// to one minute when zero.
	SweepInterval time.Duration
	// EventRetention is how long webhook dedup records are kept before the
	// sweeper prunes them. Defaults to seven days when zero.
	EventRetention time.Duration
	// Workers is the number of triage workers. Defaults to 4 when zero.
	Workers int

	// Classifier configures the LLM classification provider. An empty APIKey
	// selects the deterministic keyword provider instead.
	Classifier classify.OpenAIConfig
	// Responder configures the LLM reply drafter. An empty APIKey selects
	// the template responder.
	Responder respond.OpenAIConfig

	// Backend is the customer-systems API the tools call.
	Backend backend.Config
	// Chatwoot is the helpdesk the dispatcher writes to.
	Chatwoot channel.Config
	// Matrix configures operator notifications. An empty Homeserver disables
	// them.
	Matrix notify.Config

	// KafkaBrokers and KafkaTopic configure session trace export. Empty
	// brokers disable it.
	KafkaBrokers []string
	KafkaTopic   string

	// DispatchRetry overrides the delivery retry policy. Zero MaxAttempts
	// uses retry.DefaultConfig.
	DispatchRetry retry.Config
}

// job is one unit of triage work. Resume jobs re-enter a parked session;
// everything else runs a fresh cycle.
type job struct {
	sessionID string
	resume    bool
}

// App is the assembled triage service.
type App struct {
	cfg        *Config
	store      *store.Store
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	exporter   *export.Producer
	health     *HealthServer

	queue chan job
	locks *sessionLocks
	done  chan struct{}
	wg    sync.WaitGroup
}

// New wires the triage service. It opens the database and constructs every
// component but starts nothing; call Start or Run.
func New(cfg *Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	toolsetCfg, err := tools.LoadToolset(cfg.ToolsetPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load toolset: %w", err)
	}
	backendClient := backend.New(cfg.Backend)
	registry, err := tools.NewRegistry(toolsetCfg, tools.BackendHandlers(backendClient))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	executor := tools.NewExecutor(st, registry, cfg.ApprovalTTL)
	slog.Info("toolset ready", "tools", len(toolsetCfg.ToolNames()))

	var provider classify.Provider
	if cfg.Classifier.APIKey != "" {
		provider = classify.NewOpenAIProvider(cfg.Classifier)
		slog.Info("classifier: llm provider", "model", cfg.Classifier.Model)
	} else {
		provider = classify.NewKeywordProvider()
		slog.Info("classifier: keyword provider (no API key configured)")
	}
	classifier := classify.NewClassifier(provider)

	var responder respond.Responder
	if cfg.Responder.APIKey != "" {
		responder = respond.NewOpenAIResponder(cfg.Responder)
		slog.Info("responder: llm drafter", "model", cfg.Responder.Model)
	} else {
		responder = respond.NewTemplateResponder()
		slog.Info("responder: template drafter (no API key configured)")
	}

	notifier, err := notify.New(cfg.Matrix)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix notifier: %w", err)
	}
	if notifier != nil {
		slog.Info("matrix notifier ready", "room", cfg.Matrix.OpsRoom)
	}

	exporter := export.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if exporter != nil {
		slog.Info("kafka trace export ready", "topic", cfg.KafkaTopic)
	}

	eng := engine.New(engine.Config{
		Store:      st,
		Classifier: classifier,
		Executor:   executor,
		Responder:  responder,
		Notifier:   notifier,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Store:    st,
		Channel:  channel.New(cfg.Chatwoot),
		Exporter: exporter,
		Alerter:  notifier,
		Retry:    cfg.DispatchRetry,
	})

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	a := &App{
		cfg:        cfg,
		store:      st,
		engine:     eng,
		dispatcher: dispatcher,
		exporter:   exporter,
		queue:      make(chan job, 4*workers),
		locks:      newSessionLocks(),
		done:       make(chan struct{}),
	}

	a.health = NewHealthServer(cfg.HTTPAddr, st)

	ingress, err := webhook.New(st, a, cfg.Webhook)
	if err != nil {
		st.Close()
		return nil, err
	}
	ingress.RegisterRoutes(a.health)

	reviewer, err := approvals.New(approvals.Config{
		Store:      st,
		Executor:   executor,
		Token:      cfg.ReviewerToken,
		OnResolved: a.enqueueResume,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	reviewer.RegisterRoutes(a.health)

	return a, nil
}

// ServeHTTP exposes the assembled HTTP surface, mainly for tests.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.health.ServeHTTP(w, r)
}

// EnqueueSession implements webhook.Sink: a new customer message arrived and
// the session needs a triage cycle.
func (a *App) EnqueueSession(sessionID string) {
	a.enqueue(job{sessionID: sessionID})
}

// enqueueResume schedules a parked session for resumption after its approval
// was resolved or expired.
func (a *App) enqueueResume(sessionID string) {
	a.enqueue(job{sessionID: sessionID, resume: true})
}

func (a *App) enqueue(j job) {
	select {
	case a.queue <- j:
	default:
		// Queue is full; hand off without blocking the caller. The handoff
		// gives up at shutdown, when nothing will drain the queue again.
		go func() {
			select {
			case a.queue <- j:
			case <-a.done:
			}
		}()
	}
}

// Start launches the HTTP server, recovery, workers, and the expiry sweeper.
// It returns once everything is running; cancel ctx to stop.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.HTTPAddr != "" {
		if err := a.health.Start(ctx); err != nil {
			return err
		}
	}

	// Re-drive work that was in flight when the previous process died.
	if err := a.dispatcher.Recover(ctx); err != nil {
		slog.Warn("dispatch recovery incomplete", "err", err)
	}
	a.recoverSessions(ctx)

	workers := a.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}

	a.wg.Add(1)
	go a.sweeper(ctx)

	// Signals queue-full handoffs that the service is shutting down.
	go func() {
		<-ctx.Done()
		close(a.done)
	}()

	slog.Info("triage service started", "workers", workers)
	return nil
}

// Run starts the service and blocks until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutting down")
	a.Stop()
	return nil
}

// Stop waits for in-flight work and releases resources.
func (a *App) Stop() {
	a.wg.Wait()
	a.health.Stop()
	if err := a.exporter.Close(); err != nil {
		slog.Warn("failed to close exporter", "err", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "err", err)
	}
}

// recoverSessions re-enqueues sessions a previous process left mid-pipeline.
// Parked sessions are left alone; the sweeper picks them up when their
// approvals expire, and resolutions arrive through the reviewer API.
func (a *App) recoverSessions(ctx context.Context) {
	for _, state := range []string{store.StateReceived, store.StateClassified} {
		sessions, err := a.store.ListSessionsByState(ctx, state)
		if err != nil {
			slog.Warn("session recovery scan failed", "state", state, "err", err)
			continue
		}
		for _, sess := range sessions {
			slog.Info("recovering session", "session", sess.ID, "state", state)
			a.EnqueueSession(sess.ID)
		}
	}
}

func (a *App) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-a.queue:
			a.process(ctx, j)
		}
	}
}

// process runs one triage job under the session lock and dispatches the
// decision when one was produced.
func (a *App) process(ctx context.Context, j job) {
	mu := a.locks.acquire(j.sessionID)
	mu.Lock()
	defer mu.Unlock()

	var (
		decision *store.Decision
		err      error
	)
	if j.resume {
		decision, err = a.engine.Resume(ctx, j.sessionID)
	} else {
		decision, err = a.engine.RunCycle(ctx, j.sessionID)
	}
	switch {
	case errors.Is(err, engine.ErrParked):
		// Waiting on a reviewer; resolution or expiry re-enqueues it.
		return
	case errors.Is(err, store.ErrConflict):
		slog.Debug("triage skipped, session moved on", "session", j.sessionID)
		return
	case err != nil:
		slog.Error("triage cycle failed", "session", j.sessionID, "err", err)
		return
	}
	if decision == nil {
		return
	}

	if err := a.dispatcher.Dispatch(ctx, j.sessionID); err != nil {
		slog.Error("dispatch failed", "session", j.sessionID, "err", err)
	}
}

// sweeper expires overdue approvals, resumes the sessions that were parked
// on them, and prunes webhook dedup records past their retention window.
func (a *App) sweeper(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	retention := a.cfg.EventRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := a.store.ExpireStaleExecutions(ctx)
			if err != nil {
				slog.Warn("approval expiry sweep failed", "err", err)
				continue
			}
			for _, exec := range expired {
				slog.Info("approval expired",
					"execution", exec.ID, "tool", exec.Tool, "session", exec.SessionID)
				a.enqueueResume(exec.SessionID)
			}

			if n, err := a.store.PruneEvents(ctx, retention); err != nil {
				slog.Warn("event dedup prune failed", "err", err)
			} else if n > 0 {
				slog.Debug("pruned webhook dedup records", "count", n)
			}
		}
	}
}
