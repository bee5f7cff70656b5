// Package main is the entry point for the scheduler service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/capitalize-ai/social-scheduler/internal/authority"
	"github.com/capitalize-ai/social-scheduler/internal/clock"
	"github.com/capitalize-ai/social-scheduler/internal/composer"
	"github.com/capitalize-ai/social-scheduler/internal/config"
	"github.com/capitalize-ai/social-scheduler/internal/handler"
	"github.com/capitalize-ai/social-scheduler/internal/llm"
	"github.com/capitalize-ai/social-scheduler/internal/middleware"
	natsclient "github.com/capitalize-ai/social-scheduler/internal/nats"
	"github.com/capitalize-ai/social-scheduler/internal/policy"
	"github.com/capitalize-ai/social-scheduler/internal/service"
	"github.com/capitalize-ai/social-scheduler/internal/store"
	"github.com/capitalize-ai/social-scheduler/pkg/logger"
	"github.com/capitalize-ai/social-scheduler/pkg/tracing"
)

const serviceName = "social-scheduler"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: serviceName,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting scheduler",
		zap.String("store", cfg.StoreDriver),
		zap.String("llm_provider", cfg.LLMProvider),
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.String("initiate_cron", cfg.InitiateCron),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err = multierr.Append(err, tracing.Shutdown(shutdownCtx, tp))
			}()
		}
	}

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Name:     serviceName,
	}, log)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { err = multierr.Append(err, natsClient.Close()) }()

	streamManager := natsclient.NewStreamManager(natsClient, cfg.EventsMaxAge)
	var events service.EventPublisher = service.NopPublisher{}
	if cfg.EventsEnabled {
		if err := streamManager.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure event stream: %w", err)
		}
		events = streamManager
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	llmClient, err := llm.NewClient(ctx, llm.Provider(cfg.LLMProvider), llm.Options{
		APIKey:  apiKey(cfg),
		BaseURL: cfg.LLMBaseURL,
	})
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	composerCfg := composer.DefaultConfig()
	composerCfg.Model = cfg.LLMModel

	authoritySvc := authority.NewHTTPService(authority.HTTPConfig{
		BaseURL:       cfg.AuthorityURL,
		Token:         cfg.AuthorityToken,
		Timeout:       cfg.AuthorityTimeout,
		RatePerSecond: cfg.AuthorityRate,
		Burst:         cfg.AuthorityBurst,
		MaxRetries:    uint64(cfg.AuthorityMaxRetries),
		RetryInitial:  200 * time.Millisecond,
	}, log)

	src := policy.NewSource(cfg.RandomSeed)
	deps := service.Deps{
		Store:       st,
		Gate:        authority.NewGate(authoritySvc, log),
		Composer:    composer.NewLLM(llmClient, composerCfg, log),
		Transport:   natsclient.NewPlatformTransport(natsClient, cfg.PlatformTimeout, log),
		Events:      events,
		Delay:       policy.NewDelayPolicy(cfg.Policy.DelayConfig(), src),
		Termination: policy.NewTerminationPolicy(cfg.Policy.ConversationLimits(), cfg.Policy.GroupLimits(), src),
		Speaker:     policy.NewSpeakerSelector(src),
		Random:      src,
		Clock:       clock.Real(),
		Log:         log,
	}
	opts := cfg.Policy.Options()

	conversations := service.NewConversationScheduler(deps, opts)
	groups := service.NewGroupScheduler(deps, opts)
	runner, err := service.NewRunner(conversations, groups, service.RunnerConfig{
		TickInterval: cfg.TickInterval,
		InitiateCron: cfg.InitiateCron,
	}, log)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: newRouter(cfg, log, routes{
			conversations: conversations,
			groups:        groups,
			runner:        runner,
			store:         st,
			events:        streamManager,
			nats:          natsClient,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("server error", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = multierr.Append(err, server.Shutdown(shutdownCtx))

	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		err = multierr.Append(err, errors.New("runner did not stop in time"))
	}

	log.Info("scheduler stopped")
	return err
}

type routes struct {
	conversations *service.ConversationScheduler
	groups        *service.GroupScheduler
	runner        *service.Runner
	store         store.Store
	events        handler.EventReader
	nats          *natsclient.Client
}

func newRouter(cfg *config.Config, log *logger.Logger, rt routes) http.Handler {
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"nats":  rt.nats,
		"store": rt.store,
	})
	conversationHandler := handler.NewConversationHandler(rt.conversations, rt.store, log)
	groupHandler := handler.NewGroupHandler(rt.groups, rt.store, log)
	messageHandler := handler.NewMessageHandler(rt.store, log)
	streamHandler := handler.NewStreamHandler(rt.events, rt.store, log)
	schedulerHandler := handler.NewSchedulerHandler(rt.runner, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		r.Use(middleware.RequireScope(middleware.ScopeRead))

		admin := middleware.RequireScope(middleware.ScopeAdmin)

		r.Route("/conversations", func(r chi.Router) {
			r.With(admin).Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", messageHandler.Conversation)
				r.With(admin).Post("/end", conversationHandler.End)
			})
		})

		r.Route("/groups", func(r chi.Router) {
			r.With(admin).Post("/", groupHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", groupHandler.Get)
				r.Get("/members", groupHandler.Members)
				r.With(admin).Post("/members", groupHandler.AddMembers)
				r.Get("/messages", messageHandler.Group)
				r.With(admin).Post("/archive", groupHandler.Archive)
			})
		})

		r.Get("/threads/{id}/events", streamHandler.Stream)

		r.Route("/scheduler", func(r chi.Router) {
			r.Use(admin)
			r.Post("/tick", schedulerHandler.Tick)
			r.Post("/initiate", schedulerHandler.Initiate)
		})
	})

	return r
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), nil
	case "pebble":
		st, err := store.OpenPebble(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func apiKey(cfg *config.Config) string {
	switch llm.Provider(cfg.LLMProvider) {
	case llm.ProviderAnthropic:
		return cfg.AnthropicAPIKey
	case llm.ProviderGemini:
		return cfg.GeminiAPIKey
	case llm.ProviderDeepSeek:
		return cfg.DeepSeekAPIKey
	default:
		return cfg.OpenAIAPIKey
	}
}
