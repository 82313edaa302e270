package platform

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// session durability uses PostgreSQL
	_ "github.com/lib/pq"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edustack/mcp-lms-assistant/pkg/contextstore"
	"github.com/edustack/mcp-lms-assistant/pkg/database/migrate"
	"github.com/edustack/mcp-lms-assistant/pkg/health"
	"github.com/edustack/mcp-lms-assistant/pkg/llm"
	"github.com/edustack/mcp-lms-assistant/pkg/lmsdb"
	"github.com/edustack/mcp-lms-assistant/pkg/middleware"
	"github.com/edustack/mcp-lms-assistant/pkg/pipeline"
	"github.com/edustack/mcp-lms-assistant/pkg/safety"
	"github.com/edustack/mcp-lms-assistant/pkg/session"
	sessionpg "github.com/edustack/mcp-lms-assistant/pkg/session/postgres"
)

// Platform is the assistant facade: it owns the session store, the
// pipeline orchestrator, and the MCP server exposing them.
type Platform struct {
	config *Config
	logger *slog.Logger

	mcpServer    *mcp.Server
	lifecycle    *Lifecycle
	health       *health.Checker
	sessions     session.Store
	model        llm.Provider
	executor     lmsdb.Executor
	knowledge    contextstore.Provider
	orchestrator *pipeline.Orchestrator
}

// New creates a platform from configuration. Options override individual
// collaborators, which tests use to substitute stubs.
func New(cfg *Config, opts ...Option) (*Platform, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Platform{
		config:    cfg,
		logger:    logger,
		lifecycle: NewLifecycle(logger),
		health:    health.NewChecker(),
	}

	if err := p.initCollaborators(options); err != nil {
		return nil, err
	}
	p.initOrchestrator()
	p.initServer()
	return p, nil
}

// initCollaborators builds the session store, model client, database
// executor, and knowledge provider, honoring option overrides.
func (p *Platform) initCollaborators(opts *Options) error {
	if err := p.initSessions(opts); err != nil {
		return err
	}

	if opts.Model != nil {
		p.model = opts.Model
	} else {
		p.model = llm.NewClient(llm.ClientConfig{
			BaseURL: p.config.Model.BaseURL,
			APIKey:  p.config.Model.APIKey,
			Model:   p.config.Model.Name,
			Timeout: modelTimeout(p.config.Timeouts),
			Logger:  p.logger,
		})
	}

	if opts.Executor != nil {
		p.executor = opts.Executor
	} else {
		executor, err := lmsdb.Open(lmsdb.Config{
			DSN:             p.config.LMS.DSN,
			MaxOpenConns:    p.config.LMS.MaxOpenConns,
			MaxIdleConns:    p.config.LMS.MaxIdleConns,
			ConnMaxLifetime: p.config.LMS.ConnMaxLifetime,
			RowLimit:        p.config.Limits.RowLimit,
			QueryTimeout:    p.config.Timeouts.Execution,
			Logger:          p.logger,
		})
		if err != nil {
			return fmt.Errorf("opening lms database: %w", err)
		}
		p.executor = executor
		p.lifecycle.OnStop(func(context.Context) error { return executor.Close() })
	}
	p.health.AddProbe("lms_database", p.executor.Ping)

	return p.initKnowledge(opts)
}

// modelTimeout returns the transport-level timeout for the shared model
// client: the longest of the model-facing stage budgets, so the per-stage
// contexts stay the binding limit.
func modelTimeout(t TimeoutsConfig) time.Duration {
	timeout := t.IntentAnalysis
	if t.QueryGeneration > timeout {
		timeout = t.QueryGeneration
	}
	if t.ResponseSynthesis > timeout {
		timeout = t.ResponseSynthesis
	}
	return timeout
}

// initSessions selects the memory or postgres session store and schedules
// the expiry sweeper.
func (p *Platform) initSessions(opts *Options) error {
	if opts.Sessions != nil {
		p.sessions = opts.Sessions
		return nil
	}

	if dsn := p.config.Sessions.PostgresDSN; dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("opening session database: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			return fmt.Errorf("migrating session database: %w", err)
		}
		store := sessionpg.New(db, sessionpg.Config{
			TTL:        p.config.Sessions.Timeout,
			MaxHistory: p.config.Sessions.MaxHistory,
		})
		p.sessions = store
		p.lifecycle.OnStart(func(context.Context) error {
			store.StartSweeper(p.config.Sessions.SweepInterval)
			return nil
		})
	} else {
		store := session.NewMemoryStore(session.MemoryConfig{
			TTL:        p.config.Sessions.Timeout,
			MaxHistory: p.config.Sessions.MaxHistory,
		})
		p.sessions = store
		p.lifecycle.OnStart(func(context.Context) error {
			store.StartSweeper(p.config.Sessions.SweepInterval)
			return nil
		})
	}
	p.lifecycle.OnStop(func(context.Context) error { return p.sessions.Shutdown() })
	return nil
}

// initKnowledge connects the Chroma provider when enabled, falling back to
// the noop provider otherwise.
func (p *Platform) initKnowledge(opts *Options) error {
	if opts.Knowledge != nil {
		p.knowledge = opts.Knowledge
		return nil
	}
	if !p.config.Knowledge.Enabled {
		p.knowledge = contextstore.NewNoopProvider()
		return nil
	}

	p.lifecycle.OnStart(func(ctx context.Context) error {
		provider, err := contextstore.NewChromaProvider(ctx, contextstore.ChromaConfig{
			BaseURL:    p.config.Knowledge.ChromaURL,
			Collection: p.config.Knowledge.Collection,
			Timeout:    p.config.Timeouts.ContextRetrieval,
			Logger:     p.logger,
		})
		if err != nil {
			return fmt.Errorf("connecting knowledge store: %w", err)
		}
		p.knowledge = provider
		p.orchestrator.SetKnowledge(provider)
		p.health.AddProbe("knowledge_store", provider.Healthy)
		if p.config.Knowledge.SeedOnBoot {
			if err := contextstore.SeedKnowledgeBase(ctx, provider, p.logger); err != nil {
				p.logger.Warn("knowledge base seeding failed", "error", err)
			}
		}
		return nil
	})

	// retrieval before Start degrades to no context
	p.knowledge = contextstore.NewNoopProvider()
	return nil
}

func (p *Platform) initOrchestrator() {
	validator := safety.NewValidator(safety.Config{
		MaxQueryLength: p.config.Limits.MaxQueryLength,
		AllowedTables:  p.config.LMS.AllowedTables,
	})
	p.orchestrator = pipeline.New(pipeline.Config{
		Sessions:  p.sessions,
		Model:     p.model,
		Executor:  p.executor,
		Knowledge: p.knowledge,
		Validator: validator,
		Schema:    lmsdb.Schema(p.config.LMS.AllowedTables),
		Timeouts: pipeline.Timeouts{
			IntentAnalysis:    p.config.Timeouts.IntentAnalysis,
			ContextRetrieval:  p.config.Timeouts.ContextRetrieval,
			QueryGeneration:   p.config.Timeouts.QueryGeneration,
			Execution:         p.config.Timeouts.Execution,
			ResponseSynthesis: p.config.Timeouts.ResponseSynthesis,
		},
		ContextResults: p.config.Limits.ContextResults,
		Logger:         p.logger,
	})
}

// initServer creates the MCP server and registers the tool and resource
// surface.
func (p *Platform) initServer() {
	p.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    p.config.Server.Name,
		Version: p.config.Server.Version,
	}, nil)
	p.mcpServer.AddReceivingMiddleware(middleware.ToolCallLogging(p.logger))

	p.registerChatTool()
	p.registerSessionInfoTool()
	p.registerSystemStatsTool()
	p.registerCloseSessionTool()
	p.registerInfoTool()
	p.registerSchemaResource()
}

// MCPServer exposes the underlying server for transports and tests.
func (p *Platform) MCPServer() *mcp.Server {
	return p.mcpServer
}

// Health exposes the readiness checker for HTTP transports.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Start brings up background components.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	p.health.SetReady()
	p.logger.Info("platform started",
		"name", p.config.Server.Name,
		"version", p.config.Server.Version,
		"transport", p.config.Server.Transport)
	return nil
}

// Stop shuts down background components in reverse order.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()
	return p.lifecycle.Stop(ctx)
}
