// Package postgres implements the Store contract on PostgreSQL. A commit is
// one transaction: append the event to the events table, apply it to the
// materialized tables, and pg_notify the queue channel when the queue changed.
// Conditional application enforces the claim invariant: an executionAssigned
// for an entry that is no longer pending updates zero rows and the commit
// fails with ErrConflict, which is the losing racer's signal.
//
// Subscriptions ride a dedicated LISTEN connection. Every notification makes
// each subscription re-run its query and deliver the full result set, so
// subscribers never reconstruct state from individual events.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the connection settings for the notebook store database.
type Config struct {
	// URL is a postgres:// connection string. One database holds one
	// notebook document.
	URL string

	// Connection pool settings. Zero values get sensible defaults.
	MaxOpenConns int
	MaxIdleConns int
}

// Store is a PostgreSQL-backed notebook store. Queries and commits go through
// a pooled database/sql connection; notifications arrive on a dedicated
// LISTEN connection owned by the listener.
type Store struct {
	db       *sql.DB
	listener *notifyListener

	mu        sync.Mutex
	subs      map[int]*queueSub
	nextSubID int
	closed    bool
}

type queueSub struct {
	query    store.QueueQuery
	onUpdate func([]notebook.ExecutionQueueEntry)
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// Open connects, applies pending migrations, and starts the LISTEN loop.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{
		db:   db,
		subs: make(map[int]*queueSub),
	}

	listener, err := startListener(ctx, cfg.URL, s.wakeQueueSubs)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to start LISTEN connection: %w", err)
	}
	s.listener = listener

	slog.Info("Postgres store opened")
	return s, nil
}

// runMigrations applies the embedded SQL migrations.
func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "cellagent", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// SubscribeQueue registers a live query over the execution queue. The
// callback receives the full current result set immediately and again after
// every queue change, whether committed by this process or another one.
func (s *Store) SubscribeQueue(q store.QueueQuery, onUpdate func([]notebook.ExecutionQueueEntry)) (store.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe: store closed")
	}
	sub := &queueSub{
		query:    q,
		onUpdate: onUpdate,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub
	s.mu.Unlock()

	go s.runSub(sub)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		sub.stopOnce.Do(func() { close(sub.stop) })
	}, nil
}

// runSub delivers result sets to one subscription, serialized. Wakes arriving
// while a delivery is in flight coalesce into one re-query of the latest
// state.
func (s *Store) runSub(sub *queueSub) {
	deliver := func() {
		entries, err := s.QueueEntries(context.Background(), sub.query)
		if err != nil {
			slog.Warn("Queue subscription query failed", "error", err)
			return
		}
		sub.onUpdate(entries)
	}
	deliver()
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.wake:
			deliver()
		}
	}
}

// wakeQueueSubs nudges every queue subscription. Called after local commits
// that change the queue and for every NOTIFY received from other processes.
func (s *Store) wakeQueueSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops the listener and all subscriptions, then closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.stopOnce.Do(func() { close(sub.stop) })
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.listener.stop()
	return s.db.Close()
}
