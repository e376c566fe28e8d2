package notetree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/notetree/pkg/audit"
	"github.com/surrealdb/notetree/pkg/auth"
	"github.com/surrealdb/notetree/pkg/cascade"
	"github.com/surrealdb/notetree/pkg/content"
	"github.com/surrealdb/notetree/pkg/logger"
	"github.com/surrealdb/notetree/pkg/peripheral"
	"github.com/surrealdb/notetree/pkg/search"
	"github.com/surrealdb/notetree/pkg/store"
	"github.com/surrealdb/notetree/pkg/store/memory"
	"github.com/surrealdb/notetree/pkg/store/postgres"
	"github.com/surrealdb/notetree/pkg/store/surrealdb"
	"github.com/surrealdb/notetree/pkg/syncengine"
	"github.com/surrealdb/notetree/pkg/tree"
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory    Backend = "memory"
	BackendPostgres  Backend = "postgres"
	BackendSurrealDB Backend = "surrealdb"
)

// Config holds application configuration.
type Config struct {
	Backend Backend

	PostgresDSN   string
	SurrealDBURL  string
	SurrealDBNS   string
	SurrealDBDB   string
	SurrealDBUser string
	SurrealDBPass string

	ServerPort  string
	CORSOrigins []string
	JWTSecret   string
	JWTIssuer   string

	// PeripheralURL is the base URL of the service holding per-page
	// peripherals. Empty disables remote cleanup.
	PeripheralURL   string
	PeripheralToken string

	SortMode syncengine.SortMode
	ReadOnly bool

	LogLevel   string
	LogFile    string
	LogConsole bool
}

// App wires the services of one notetree process.
type App struct {
	config *Config
	logger zerolog.Logger
	logs   *logger.LogData

	base     store.Store
	store    store.Store
	readOnly atomic.Bool

	audit    *audit.Log
	content  *content.Store
	resolver *cascade.Resolver
	repo     *tree.Repository
	searcher *search.Searcher
	auth     *auth.Authenticator
}

// New opens the configured backend and builds the services on top of it.
func New(ctx context.Context, config *Config) (*App, error) {
	logs, err := newLogger(config)
	if err != nil {
		return nil, err
	}
	l := logs.Logger.With().Str("backend", string(config.Backend)).Logger()

	base, err := openStore(ctx, config, l)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return newApp(config, base, logs), nil
}

// NewWithStore builds an App over an already opened store.
func NewWithStore(config *Config, st store.Store, l zerolog.Logger) *App {
	return newApp(config, st, &logger.LogData{Logger: l})
}

func newApp(config *Config, base store.Store, logs *logger.LogData) *App {
	a := &App{
		config: config,
		logger: logs.Logger,
		logs:   logs,
		base:   base,
	}
	a.readOnly.Store(config.ReadOnly)
	a.store = store.NewReadOnlyStore(base, a.IsReadOnly)

	var cleaner peripheral.Cleaner = peripheral.Noop{}
	if config.PeripheralURL != "" {
		hc := peripheral.NewHTTPCleaner(config.PeripheralURL)
		if config.PeripheralToken != "" {
			hc.SetAuthToken(config.PeripheralToken)
		}
		cleaner = hc
	}

	a.audit = audit.New(a.store, audit.WithLogger(a.logger))
	a.audit.Start()
	a.content = content.New(a.store)
	a.resolver = cascade.New(a.store, a.content, cascade.WithLogger(a.logger), cascade.WithCleaner(cleaner))
	a.repo = tree.New(a.store, a.content, a.resolver, tree.WithLogger(a.logger), tree.WithAudit(a.audit))
	a.searcher = search.New(a.store, search.WithLogger(a.logger))
	a.auth = auth.New(config.JWTSecret, config.JWTIssuer)
	if a.auth.Development() {
		a.logger.Warn().Str("header", auth.DevHeader).Msg("no JWT secret configured, trusting principal header")
	}
	return a
}

func newLogger(config *Config) (*logger.LogData, error) {
	b := logger.New().WithLevel(config.LogLevel).Console(config.LogConsole)
	if config.LogFile != "" {
		b = b.FromPath(config.LogFile)
	}
	logs, err := b.Make()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logs, nil
}

func openStore(ctx context.Context, config *Config, l zerolog.Logger) (store.Store, error) {
	switch config.Backend {
	case BackendMemory, "":
		l.Info().Msg("using in-memory store")
		return memory.New(memory.WithLogger(l)), nil
	case BackendPostgres:
		st, err := postgres.New(config.PostgresDSN, postgres.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		l.Info().Msg("connected to PostgreSQL")
		return st, nil
	case BackendSurrealDB:
		st, err := surrealdb.New(ctx, surrealdb.Config{
			URL:       config.SurrealDBURL,
			Namespace: config.SurrealDBNS,
			Database:  config.SurrealDBDB,
			Username:  config.SurrealDBUser,
			Password:  config.SurrealDBPass,
		}, surrealdb.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
		}
		l.Info().Msg("connected to SurrealDB")
		return st, nil
	}
	return nil, fmt.Errorf("unknown backend %q", config.Backend)
}

// Close drains the audit log, stops background work and closes the store.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := a.repo.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.audit.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Store returns the read-only guarded store.
func (a *App) Store() store.Store { return a.store }

func (a *App) Repository() *tree.Repository { return a.repo }

func (a *App) Authenticator() *auth.Authenticator { return a.auth }

// SetReadOnly toggles rejection of every write at runtime. Reads and live
// views keep working.
func (a *App) SetReadOnly(readOnly bool) {
	a.readOnly.Store(readOnly)
	a.logger.Info().Bool("read_only", readOnly).Msg("application read-only mode changed")
}

func (a *App) IsReadOnly() bool {
	return a.readOnly.Load()
}

// getEnv returns the environment variable key, or defaultValue when it is
// unset or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
