// Package surrealdb keeps the tree in SurrealDB.
//
// Every leaf of the tree is one record of the tree_nodes table whose id is
// its full path. A subtree read is a prefix match over path, and an update
// batch runs as a single transaction. Change streams come from one live
// query on tree_nodes: each notification names the leaf path that changed,
// and affected subscriptions re-read their path.
//
// The connection is configured with the surrealcbor codec over gorillaws,
// so values round-trip in SurrealDB's native CBOR format.
package surrealdb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/store"
)

// Table holds one record per leaf.
const Table = "tree_nodes"

const closeWait = 2 * time.Second

var ErrClosed = errors.New("surrealdb store closed")

// Config locates the database.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements store.Store on SurrealDB.
type Store struct {
	db     *surrealdb.DB
	logger zerolog.Logger
	hub    *store.Hub

	mu     sync.Mutex
	live   *surrealmodels.UUID
	done   chan struct{}
	closed bool
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Migrator = (*Store)(nil)
)

type nodeRow struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// New connects, signs in when credentials are given, and selects the
// namespace and database.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec
	conn := gorillaws.New(conf)

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}
	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	s := &Store{db: db, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("store", "surrealdb").Str("ns", cfg.Namespace).Str("db", cfg.Database).Logger()
	s.hub = store.NewHub(s.Read, s.logger)
	return s, nil
}

// Migrate defines the table and the path index. It is safe to run again.
func (s *Store) Migrate(ctx context.Context) error {
	q := `DEFINE TABLE IF NOT EXISTS tree_nodes SCHEMALESS;
DEFINE FIELD IF NOT EXISTS path ON tree_nodes TYPE string;
DEFINE INDEX IF NOT EXISTS tree_nodes_path ON tree_nodes FIELDS path UNIQUE;`
	if _, err := surrealdb.Query[any](ctx, s.db, q, nil); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func prefixOf(p string) string {
	if p == "" {
		return ""
	}
	return p + "/"
}

func (s *Store) Read(ctx context.Context, path string) (any, error) {
	if s.isClosed() {
		return nil, models.WrapStore("read", path, ErrClosed)
	}
	q := "SELECT path, value FROM tree_nodes WHERE path = $path OR string::starts_with(path, $prefix)"
	res, err := surrealdb.Query[[]nodeRow](ctx, s.db, q, map[string]any{
		"path":   path,
		"prefix": prefixOf(path),
	})
	if err != nil {
		return nil, models.WrapStore("read", path, err)
	}
	leaves := map[string]any{}
	if res != nil && len(*res) > 0 {
		for _, row := range (*res)[0].Result {
			leaves[row.Path] = row.Value
		}
	}
	if len(leaves) == 0 {
		return nil, nil
	}
	// CBOR decodes whole numbers as integers; normalize to JSON shape.
	v, err := store.Encode(store.Unflatten(path, leaves))
	if err != nil {
		return nil, models.WrapStore("read", path, err)
	}
	return v, nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string]any{path: nil})
}

// Update runs the batch as one SurrealQL transaction.
func (s *Store) Update(ctx context.Context, updates map[string]any) error {
	if s.isClosed() {
		return models.WrapStore("update", "", ErrClosed)
	}
	encoded := make(map[string]any, len(updates))
	for p, v := range updates {
		enc, err := store.Encode(v)
		if err != nil {
			return models.WrapStore("update", p, err)
		}
		encoded[p] = enc
	}
	ops := store.Plan(encoded)
	if len(ops) == 0 {
		return nil
	}

	var q strings.Builder
	params := map[string]any{}
	q.WriteString("BEGIN TRANSACTION;\n")
	for i, op := range ops {
		params[fmt.Sprintf("c%d", i)] = op.Path
		params[fmt.Sprintf("cp%d", i)] = prefixOf(op.Path)
		params[fmt.Sprintf("ca%d", i)] = store.Ancestors(op.Path)
		fmt.Fprintf(&q, "DELETE tree_nodes WHERE path = $c%d OR string::starts_with(path, $cp%d) OR path INSIDE $ca%d;\n", i, i, i)
		if len(op.Leaves) == 0 {
			continue
		}
		rows := make([]nodeRow, 0, len(op.Leaves))
		for p, v := range op.Leaves {
			rows = append(rows, nodeRow{Path: p, Value: v})
		}
		params[fmt.Sprintf("l%d", i)] = rows
		fmt.Fprintf(&q, "FOR $row IN $l%d { UPSERT type::thing('tree_nodes', $row.path) CONTENT { path: $row.path, value: $row.value }; };\n", i)
	}
	q.WriteString("COMMIT TRANSACTION;")

	if _, err := surrealdb.Query[any](ctx, s.db, q.String(), params); err != nil {
		return models.WrapStore("update", ops[0].Path, err)
	}
	return nil
}

// Subscribe starts the shared live query on first use.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (func(), error) {
	if err := s.ensureLive(ctx); err != nil {
		return nil, models.WrapStore("subscribe", path, err)
	}
	cancel, err := s.hub.Subscribe(ctx, path, fn)
	if err != nil {
		return nil, models.WrapStore("subscribe", path, err)
	}
	return cancel, nil
}

func (s *Store) ensureLive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.live != nil {
		return nil
	}
	live, err := surrealdb.Live(ctx, s.db, Table, false)
	if err != nil {
		return fmt.Errorf("failed to start live query: %w", err)
	}
	notifications, err := s.db.LiveNotifications(live.String())
	if err != nil {
		_ = surrealdb.Kill(ctx, s.db, live.String())
		return fmt.Errorf("failed to get live notifications channel: %w", err)
	}
	s.live = live
	s.done = make(chan struct{})
	go s.forward(notifications, s.done)
	s.logger.Debug().Str("live", live.String()).Msg("live query started")
	return nil
}

func (s *Store) forward(notifications chan connection.Notification, done chan struct{}) {
	defer close(done)
	for n := range notifications {
		record, ok := n.Result.(map[string]any)
		if !ok {
			s.hub.NotifyAll()
			continue
		}
		p, ok := record["path"].(string)
		if !ok {
			s.hub.NotifyAll()
			continue
		}
		switch n.Action {
		case connection.CreateAction, connection.UpdateAction, connection.DeleteAction:
			s.hub.Notify(p)
		default:
			s.logger.Debug().Str("action", string(n.Action)).Msg("ignoring live notification")
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close kills the live query, ends subscriptions and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live, done := s.live, s.done
	s.mu.Unlock()

	ctx := context.Background()
	if live != nil {
		if err := surrealdb.Kill(ctx, s.db, live.String()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to kill live query")
		} else {
			select {
			case <-done:
			case <-time.After(closeWait):
				s.logger.Warn().Msg("live notifications did not close")
			}
		}
	}
	s.hub.Close()
	return s.db.Close(ctx)
}
