// Package postgres keeps the tree in PostgreSQL.
//
// Leaves live in the tree_nodes table, one row per leaf keyed by its full
// path, with the value stored as JSON text. Reads and deletes of a subtree
// are prefix matches on the primary key. Writes go through GORM in a
// single transaction that also issues pg_notify on the tree_nodes channel
// with every changed path; a lib/pq listener turns those notifications
// into subscription refreshes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/surrealdb/notetree/pkg/models"
	"github.com/surrealdb/notetree/pkg/store"
)

// Channel is the LISTEN/NOTIFY channel carrying changed paths.
const Channel = "tree_nodes"

var ErrClosed = errors.New("postgres store closed")

// TreeNode is one leaf of the tree.
type TreeNode struct {
	Path      string `gorm:"primaryKey;type:text"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (TreeNode) TableName() string { return "tree_nodes" }

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPool sets the connection pool limits.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(s *Store) {
		s.maxOpen, s.maxIdle, s.maxLifetime = maxOpen, maxIdle, maxLifetime
	}
}

// Store implements store.Store on PostgreSQL.
type Store struct {
	db     *gorm.DB
	dsn    string
	logger zerolog.Logger
	hub    *store.Hub

	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration

	mu       sync.Mutex
	listener *pq.Listener
	done     chan struct{}
	closed   bool
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Migrator = (*Store)(nil)
)

// New opens the database. Change notifications start with the first
// subscription.
func New(dsn string, opts ...Option) (*Store, error) {
	s := &Store{dsn: dsn, logger: zerolog.Nop(), maxOpen: 10, maxIdle: 5, maxLifetime: time.Hour}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("store", "postgres").Logger()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(s.maxOpen)
	sqlDB.SetMaxIdleConns(s.maxIdle)
	sqlDB.SetConnMaxLifetime(s.maxLifetime)

	s.db = db
	s.hub = store.NewHub(s.Read, s.logger)
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&TreeNode{}); err != nil {
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
	var rows []TreeNode
	err := s.db.WithContext(ctx).
		Where("path = ? OR starts_with(path, ?)", path, prefixOf(path)).
		Find(&rows).Error
	if err != nil {
		return nil, models.WrapStore("read", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	leaves := make(map[string]any, len(rows))
	for _, row := range rows {
		var v any
		if err := json.Unmarshal([]byte(row.Value), &v); err != nil {
			return nil, models.WrapStore("read", row.Path, err)
		}
		leaves[row.Path] = v
	}
	return store.Unflatten(path, leaves), nil
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string]any{path: nil})
}

// Update applies the batch in one transaction and notifies listeners on
// commit.
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

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			q := tx.Where("path = ? OR starts_with(path, ?)", op.Path, prefixOf(op.Path))
			if anc := store.Ancestors(op.Path); len(anc) > 0 {
				q = q.Or("path IN ?", anc)
			}
			if err := q.Delete(&TreeNode{}).Error; err != nil {
				return fmt.Errorf("clear %s: %w", op.Path, err)
			}
			if len(op.Leaves) == 0 {
				continue
			}
			rows := make([]TreeNode, 0, len(op.Leaves))
			for p, v := range op.Leaves {
				b, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encode %s: %w", p, err)
				}
				rows = append(rows, TreeNode{Path: p, Value: string(b), UpdatedAt: now})
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "path"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("write %s: %w", op.Path, err)
			}
		}
		for _, op := range ops {
			if err := tx.Exec("SELECT pg_notify(?, ?)", Channel, op.Path).Error; err != nil {
				return fmt.Errorf("notify %s: %w", op.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.WrapStore("update", ops[0].Path, err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (func(), error) {
	if err := s.ensureListener(); err != nil {
		return nil, models.WrapStore("subscribe", path, err)
	}
	cancel, err := s.hub.Subscribe(ctx, path, fn)
	if err != nil {
		return nil, models.WrapStore("subscribe", path, err)
	}
	return cancel, nil
}

func (s *Store) ensureListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.listener != nil {
		return nil
	}
	l := pq.NewListener(s.dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			s.logger.Warn().Err(err).Msg("change listener disconnected")
		case pq.ListenerEventReconnected:
			s.logger.Info().Msg("change listener reconnected")
		}
	})
	if err := l.Listen(Channel); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}
	s.listener = l
	s.done = make(chan struct{})
	go s.forward(l, s.done)
	return nil
}

func (s *Store) forward(l *pq.Listener, done chan struct{}) {
	defer close(done)
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-l.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: changes may have been missed.
			if n == nil {
				s.hub.NotifyAll()
				continue
			}
			s.hub.Notify(n.Extra)
		case <-ping.C:
			if err := l.Ping(); err != nil {
				s.logger.Debug().Err(err).Msg("change listener ping failed")
			}
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listener, ends subscriptions and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l, done := s.listener, s.done
	s.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close change listener")
		}
		<-done
	}
	s.hub.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
