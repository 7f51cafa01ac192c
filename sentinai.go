// Package sentinai is an in-process API security firewall for Go HTTP
// services. It inspects requests and responses through a pipeline of
// detection modules (credential stuffing, injection payloads, object-id
// enumeration, data leaks, AI spend), shares its decisions through a
// pluggable store, and ships as standard net/http middleware.
//
// Minimal integration:
//
//	fw, err := sentinai.New(sentinai.WithActiveMode())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer fw.Shutdown(context.Background())
//	http.ListenAndServe(":8080", fw.Middleware()(mux))
package sentinai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sentinai/sentinai-go/ai"
	"github.com/sentinai/sentinai-go/ai/openai"
	"github.com/sentinai/sentinai-go/core"
	"github.com/sentinai/sentinai-go/modules/bola"
	"github.com/sentinai/sentinai-go/modules/costprotection"
	"github.com/sentinai/sentinai-go/modules/credentialguard"
	"github.com/sentinai/sentinai-go/modules/dlp"
	"github.com/sentinai/sentinai-go/modules/queryshield"
)

// Re-exported types so integrators only import this package
type (
	Config        = core.Config
	Module        = core.Module
	RequestEvent  = core.RequestEvent
	ResponseEvent = core.ResponseEvent
	ThreatVerdict = core.ThreatVerdict
	DecisionStore = core.DecisionStore
	Logger        = core.Logger
)

// Option configures the firewall. Configuration options from core compose
// directly; the With* functions here add wiring-level choices.
type Option func(*builder) error

type builder struct {
	configOpts []core.Option
	logger     core.Logger
	store      core.DecisionStore
	chat       core.ChatCompleter
	identity   core.IdentityResolver
	extra      []core.Module
}

// WithConfig applies core configuration options
func WithConfig(opts ...core.Option) Option {
	return func(b *builder) error {
		b.configOpts = append(b.configOpts, opts...)
		return nil
	}
}

// WithActiveMode enables enforcement
func WithActiveMode() Option { return WithConfig(core.WithActiveMode()) }

// WithMonitorMode switches to observe-only
func WithMonitorMode() Option { return WithConfig(core.WithMonitorMode()) }

// WithExcludePaths replaces the set of paths skipped by analysis
func WithExcludePaths(paths ...string) Option {
	return WithConfig(core.WithExcludePaths(paths...))
}

// WithAI configures the chat-completion endpoint used for batch analysis
func WithAI(provider, apiKey, model, baseURL string) Option {
	return WithConfig(core.WithAI(provider, apiKey, model, baseURL))
}

// WithRedisStore selects the fleet-shared Redis decision store
func WithRedisStore(redisURL string) Option {
	return WithConfig(core.WithDistributedStore(redisURL))
}

// WithModuleEnabled switches a bundled module on or off
func WithModuleEnabled(moduleID string, enabled bool) Option {
	return WithConfig(core.WithModuleEnabled(moduleID, enabled))
}

// WithModuleOption sets one custom option for a module
func WithModuleOption(moduleID, key string, value interface{}) Option {
	return WithConfig(core.WithModuleOption(moduleID, key, value))
}

// WithConfigFile overlays configuration from a YAML file
func WithConfigFile(path string) Option {
	return WithConfig(core.WithConfigFile(path))
}

// WithLogger replaces the built-in logger
func WithLogger(logger core.Logger) Option {
	return func(b *builder) error {
		b.logger = logger
		return nil
	}
}

// WithStore injects a custom decision store, bypassing store configuration
func WithStore(store core.DecisionStore) Option {
	return func(b *builder) error {
		b.store = store
		return nil
	}
}

// WithChatCompleter injects a custom LLM client for batch analysis,
// bypassing the ai configuration section
func WithChatCompleter(client core.ChatCompleter) Option {
	return func(b *builder) error {
		b.chat = client
		return nil
	}
}

// WithIdentityResolver replaces how the middleware extracts the caller's
// user and session from a request
func WithIdentityResolver(resolver core.IdentityResolver) Option {
	return func(b *builder) error {
		b.identity = resolver
		return nil
	}
}

// WithModules registers additional detection modules alongside the
// bundled five
func WithModules(modules ...core.Module) Option {
	return func(b *builder) error {
		b.extra = append(b.extra, modules...)
		return nil
	}
}

// Firewall is the assembled pipeline: configuration, store, AI analyzer,
// module registry, engine, and the middleware that fronts them
type Firewall struct {
	cfg      *core.Config
	logger   core.Logger
	store    core.DecisionStore
	analyzer core.AIAnalyzer
	registry *core.Registry
	engine   *core.Engine
	identity core.IdentityResolver
}

// New builds a firewall from defaults, environment and options.
// The five bundled modules are always registered; enablement is decided
// per request from configuration.
func New(opts ...Option) (*Firewall, error) {
	b := &builder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	cfg, err := core.NewConfig(b.configOpts...)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		simple := core.NewSimpleLogger()
		simple.SetLevel(cfg.Logging.Level)
		simple.SetFormat(cfg.Logging.Format)
		logger = simple
	}

	store := b.store
	if store == nil {
		store, err = buildStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	chat := b.chat
	if chat == nil && cfg.AI.APIKey != "" {
		client, err := openai.NewClient(cfg.AI, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build AI client: %w", err)
		}
		chat = client
	}
	analyzer := ai.NewAnalyzer(chat, logger)

	modules := append([]core.Module{
		credentialguard.New(),
		queryshield.New(),
		bola.New(),
		dlp.New(),
		costprotection.New(),
	}, b.extra...)

	registry := core.NewRegistry(modules, logger)
	mc := core.NewModuleContext(store, analyzer, cfg, logger)
	engine := core.NewEngine(registry, mc, logger)

	logger.Info("SentinAI firewall ready", map[string]interface{}{
		"mode":    cfg.Mode,
		"store":   cfg.Store.Type,
		"ai":      analyzer.Available(),
		"enabled": cfg.Enabled,
	})

	return &Firewall{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		analyzer: analyzer,
		registry: registry,
		engine:   engine,
		identity: b.identity,
	}, nil
}

func buildStore(cfg *core.Config, logger core.Logger) (core.DecisionStore, error) {
	if cfg.DistributedStore() {
		store, err := core.NewRedisDecisionStore(core.RedisStoreOptions{
			RedisURL: cfg.Store.DistributedURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build distributed store: %w", err)
		}
		return store, nil
	}
	memStore := core.NewInMemoryDecisionStore()
	memStore.SetLogger(logger)
	return memStore, nil
}

// Middleware returns the net/http middleware fronting the firewall
func (f *Firewall) Middleware() func(http.Handler) http.Handler {
	return core.Middleware(f.engine, f.logger, f.identity)
}

// Engine exposes the analysis engine for direct event processing
func (f *Firewall) Engine() *core.Engine {
	return f.engine
}

// Store exposes the decision store, e.g. for admin unblock tooling
func (f *Firewall) Store() core.DecisionStore {
	return f.store
}

// Config returns the resolved configuration
func (f *Firewall) Config() *core.Config {
	return f.cfg
}

// Registry exposes the module registry
func (f *Firewall) Registry() *core.Registry {
	return f.registry
}

// Shutdown flushes pending batch analysis and stops the async workers
func (f *Firewall) Shutdown(ctx context.Context) {
	f.engine.Shutdown(ctx)
}
