// Package audit persists quality decisions to a SQL database
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver, registered as "sqlite"

	"github.com/mikeyg42/streamqc/internal/quality"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrUnsupportedDriver is returned by Open for drivers other than postgres and sqlite
var ErrUnsupportedDriver = errors.New("unsupported audit driver")

func init() {
	// modernc registers as "sqlite", which sqlx does not know uses ? placeholders
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Entry is one recorded quality change
type Entry struct {
	ID        int64     `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"sessionId"`
	Kind      string    `db:"kind" json:"kind"`
	FromIndex int       `db:"from_index" json:"fromIndex"`
	ToIndex   int       `db:"to_index" json:"toIndex"`
	Quality   string    `db:"quality" json:"quality"`
	Bitrate   int64     `db:"bitrate" json:"bitrate"`
	Reason    string    `db:"reason" json:"reason"`
	ClientIP  string    `db:"client_ip" json:"clientIp"`
	DecidedAt time.Time `db:"decided_at" json:"decidedAt"`
}

// EntryFromDecision converts a controller decision into an audit row.
// The client IP is masked before it is stored.
func EntryFromDecision(sessionID, clientIP string, d quality.QualityDecision) Entry {
	return Entry{
		SessionID: sessionID,
		Kind:      d.Kind.String(),
		FromIndex: d.From,
		ToIndex:   d.Index,
		Quality:   d.Target.Name,
		Bitrate:   int64(d.Target.Bitrate),
		Reason:    d.Reason,
		ClientIP:  MaskIP(clientIP),
		DecidedAt: d.At.UTC(),
	}
}

// Config contains audit database configuration
type Config struct {
	Driver string // postgres or sqlite
	DSN    string // used as-is when set

	// PostgreSQL connection, used when DSN is empty
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string // disable, require, verify-ca, verify-full

	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Retry settings for inserts
	MaxRetries   int
	RetryBackoff time.Duration
}

// PostgresDSN builds a lib/pq connection string from the discrete settings
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// Stats counts recorded decisions
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Failed   uint64 `json:"failed"`
}

// Store writes and reads audit entries
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
	config Config

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// Open connects to the audit database and creates the schema if needed
func Open(ctx context.Context, config Config) (*Store, error) {
	config.Driver = strings.ToLower(strings.TrimSpace(config.Driver))
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	dsn := config.DSN
	switch config.Driver {
	case DriverPostgres:
		if dsn == "" {
			dsn = config.PostgresDSN()
		}
	case DriverSQLite:
		if dsn == "" {
			return nil, errors.New("sqlite audit store requires a DSN")
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, config.Driver)
	}

	db, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.Driver == DriverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{
		db:     db,
		driver: config.Driver,
		logger: zap.L().Named("audit-store"),
		config: config,
	}

	if err := store.initSchema(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store.logger.Info("audit store ready", zap.String("driver", config.Driver))
	return store, nil
}

// initSchema creates the decision table if it doesn't exist
func (s *Store) initSchema(ctx context.Context) error {
	idColumn, timeType := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	if s.driver == DriverSQLite {
		idColumn, timeType = "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	}

	statements := []string{
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS quality_decisions (
		id %s,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_index INTEGER NOT NULL,
		to_index INTEGER NOT NULL,
		quality TEXT NOT NULL,
		bitrate BIGINT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		client_ip TEXT NOT NULL DEFAULT '',
		decided_at %s NOT NULL
	)`, idColumn, timeType),
		`CREATE INDEX IF NOT EXISTS idx_quality_decisions_session ON quality_decisions(session_id, decided_at)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_decisions_kind ON quality_decisions(kind)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.MaxElapsedTime = 30 * time.Second
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
}

// Record inserts an entry, retrying transient failures with exponential backoff.
// The generated ID is written back into e.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	query := s.db.Rebind(`
		INSERT INTO quality_decisions (
			session_id, kind, from_index, to_index, quality, bitrate, reason, client_ip, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	op := func() error {
		err := s.db.QueryRowxContext(ctx, query,
			e.SessionID, e.Kind, e.FromIndex, e.ToIndex, e.Quality, e.Bitrate,
			e.Reason, e.ClientIP, e.DecidedAt.UTC(),
		).Scan(&e.ID)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("audit insert failed, retrying",
			zap.String("session", e.SessionID),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackoff(), ctx), notify); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("record %s decision for session %s: %w", e.Kind, e.SessionID, err)
	}

	s.recorded.Add(1)
	return nil
}

// RecordDecision stores one controller decision for a session
func (s *Store) RecordDecision(ctx context.Context, sessionID, clientIP string, d quality.QualityDecision) error {
	e := EntryFromDecision(sessionID, clientIP, d)
	return s.Record(ctx, &e)
}

// ListBySession returns a session's entries in decision order
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	query := s.db.Rebind(`
		SELECT id, session_id, kind, from_index, to_index, quality, bitrate, reason, client_ip, decided_at
		FROM quality_decisions
		WHERE session_id = ?
		ORDER BY decided_at, id`)

	entries := make([]Entry, 0)
	if err := s.db.SelectContext(ctx, &entries, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return entries, nil
}

// CountByKind returns how many decisions of each kind were recorded since the given time
func (s *Store) CountByKind(ctx context.Context, since time.Time) (map[string]int, error) {
	query := s.db.Rebind(`
		SELECT kind, COUNT(*) AS n
		FROM quality_decisions
		WHERE decided_at >= ?
		GROUP BY kind`)

	rows, err := s.db.QueryxContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Stats returns insert counters since the store was opened
func (s *Store) Stats() Stats {
	return Stats{
		Recorded: s.recorded.Load(),
		Failed:   s.failed.Load(),
	}
}

// HealthCheck verifies database connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// MaskIP partially masks an address for storage.
// 192.168.1.100 -> 192.168.*.*; IPv6 keeps the first two groups.
func MaskIP(ip string) string {
	if ip == "" {
		return "unknown"
	}

	if parts := strings.Split(ip, "."); len(parts) == 4 {
		return parts[0] + "." + parts[1] + ".*.*"
	}
	if parts := strings.Split(ip, ":"); len(parts) > 2 {
		return parts[0] + ":" + parts[1] + ":*"
	}
	return ip
}
