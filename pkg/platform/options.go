package platform

import (
	"log/slog"

	"github.com/edustack/mcp-lms-assistant/pkg/contextstore"
	"github.com/edustack/mcp-lms-assistant/pkg/llm"
	"github.com/edustack/mcp-lms-assistant/pkg/lmsdb"
	"github.com/edustack/mcp-lms-assistant/pkg/session"
)

// Options holds collaborator overrides applied during New.
type Options struct {
	Logger    *slog.Logger
	Sessions  session.Store
	Model     llm.Provider
	Executor  lmsdb.Executor
	Knowledge contextstore.Provider
}

// Option configures the platform.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithSessionStore overrides the session store.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) { o.Sessions = store }
}

// WithModel overrides the language model provider.
func WithModel(model llm.Provider) Option {
	return func(o *Options) { o.Model = model }
}

// WithExecutor overrides the database executor.
func WithExecutor(executor lmsdb.Executor) Option {
	return func(o *Options) { o.Executor = executor }
}

// WithKnowledge overrides the knowledge provider.
func WithKnowledge(provider contextstore.Provider) Option {
	return func(o *Options) { o.Knowledge = provider }
}
