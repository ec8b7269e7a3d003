// Package airtimedb persists airtime records in SQLite so the duty-cycle
// ledger survives a restart.
package airtimedb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/kabili207/meshradio-go/core/airtime"
)

// Compile-time interface check.
var _ airtime.Journal = (*Journal)(nil)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultRetention matches the longest window the ledger keeps.
	DefaultRetention = airtime.PeriodsToLog * airtime.PeriodLength

	// DefaultQueueSize is how many entries may wait for the writer.
	DefaultQueueSize = 256
)

var (
	// ErrQueueFull is returned by Append when the writer has fallen behind.
	ErrQueueFull = errors.New("airtime journal queue full")
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("airtime journal closed")
)

// Config configures a Journal.
type Config struct {
	// Path is the database file. ":memory:" works for tests.
	Path string
	// Retention is how long entries are kept. Default: DefaultRetention.
	Retention time.Duration
	// QueueSize bounds pending writes. Default: DefaultQueueSize.
	QueueSize int
	// Logger for write failures. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Journal is an airtime.Journal backed by SQLite. Append never blocks; a
// background writer inserts entries in order.
type Journal struct {
	cfg Config
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan airtime.Entry
	done   chan struct{}
	nowFn  func() time.Time
}

// Open opens or creates the database at cfg.Path, applies migrations and
// drops entries older than the retention window.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serialises writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	j := &Journal{
		cfg:   cfg,
		db:    db,
		log:   cfg.Logger.WithGroup("airtimedb"),
		queue: make(chan airtime.Entry, cfg.QueueSize),
		done:  make(chan struct{}),
		nowFn: time.Now,
	}
	if err := j.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if n, err := j.Prune(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	} else if n > 0 {
		j.log.Debug("pruned old airtime", "rows", n)
	}

	go j.writer()
	return j, nil
}

func (j *Journal) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(j.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	// Closing m would close the shared database handle.
	m.Log = &migrateLogger{log: j.log}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on slog.
type migrateLogger struct {
	log *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// Append queues e for writing.
func (j *Journal) Append(e airtime.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	select {
	case j.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (j *Journal) writer() {
	defer close(j.done)
	for e := range j.queue {
		if err := j.insert(e); err != nil {
			j.log.Warn("failed to write airtime", "category", e.Category, "error", err)
		}
	}
}

func (j *Journal) insert(e airtime.Entry) error {
	_, err := j.db.Exec(
		`INSERT INTO airtime (category, duration_us, at_ms) VALUES (?, ?, ?)`,
		e.Category.String(), e.Duration.Microseconds(), e.At.UnixMilli(),
	)
	return err
}

// Since returns the entries recorded at or after t, oldest first. Pending
// writes are not included.
func (j *Journal) Since(ctx context.Context, t time.Time) ([]airtime.Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT category, duration_us, at_ms FROM airtime WHERE at_ms >= ? ORDER BY at_ms, id`,
		t.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying airtime: %w", err)
	}
	defer rows.Close()

	var out []airtime.Entry
	for rows.Next() {
		var (
			category string
			us, ms   int64
		)
		if err := rows.Scan(&category, &us, &ms); err != nil {
			return nil, fmt.Errorf("scanning airtime: %w", err)
		}
		c, err := airtime.ParseCategory(category)
		if err != nil {
			j.log.Warn("skipping airtime row", "error", err)
			continue
		}
		out = append(out, airtime.Entry{
			Category: c,
			Duration: time.Duration(us) * time.Microsecond,
			At:       time.UnixMilli(ms),
		})
	}
	return out, rows.Err()
}

// Recent returns the entries inside the retention window.
func (j *Journal) Recent(ctx context.Context) ([]airtime.Entry, error) {
	return j.Since(ctx, j.nowFn().Add(-j.cfg.Retention))
}

// Prune deletes entries older than the retention window and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	cutoff := j.nowFn().Add(-j.cfg.Retention)
	res, err := j.db.ExecContext(ctx, `DELETE FROM airtime WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning airtime: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending entries and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
