package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/pixelgrid/gridwall/gridwall/database/models"
)

const (
	defaultConnTimeout   = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = time.Second
)

// Channels used by the change-notification triggers. Payload is the row id.
const (
	SlotChannel = "gridwall_slots"
	UserChannel = "gridwall_users"
)

type DBConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	PoolSize int    `toml:"pool_size"`
}

// DB holds the two database handles: a pgx pool for raw SQL (schema,
// triggers, diagnostics) and a bun.DB for models, transactions and
// LISTEN/NOTIFY.
type DB struct {
	pool  *pgxpool.Pool
	bunDB *bun.DB
}

func New(ctx context.Context, cfg DBConfig) (*DB, error) {
	// Verify the server is reachable before handing a DSN to the pools.
	var conn net.Conn
	var err error

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	for i := 0; i < defaultMaxRetries; i++ {
		conn, err = net.DialTimeout("tcp", addr, defaultConnTimeout)
		if err == nil {
			break
		}
		time.Sleep(defaultRetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("database server unreachable after %d attempts: %w", defaultMaxRetries, err)
	}
	conn.Close()

	poolConfig, err := pgxpool.ParseConfig(buildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolConfig.MaxConns = int32(cfg.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{pool: pool, bunDB: newBunDB(pool)}, nil
}

func buildConnString(cfg DBConfig) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?connect_timeout=5",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)
}

func newBunDB(pool *pgxpool.Pool) *bun.DB {
	sslMode := os.Getenv("PG_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pool.Config().ConnConfig.User,
		pool.Config().ConnConfig.Password,
		pool.Config().ConnConfig.Host,
		pool.Config().ConnConfig.Port,
		pool.Config().ConnConfig.Database,
		sslMode,
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

func (db *DB) GetPool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) BunDB() *bun.DB {
	return db.bunDB
}

// NewListener opens a LISTEN/NOTIFY listener on the bun connection.
func (db *DB) NewListener() *pgdriver.Listener {
	return pgdriver.NewListener(db.bunDB)
}

func (db *DB) ExecWithLog(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	result, err := db.pool.Exec(ctx, sql, args...)
	duration := time.Since(start)

	if err != nil {
		slog.Error("Query failed",
			slog.String("type", "db"),
			slog.String("operation", "exec"),
			slog.String("query", sql),
			slog.Duration("took", duration),
			slog.Any("error", err),
		)
		return result, err
	}

	slog.Debug("Query executed",
		slog.String("type", "db"),
		slog.String("operation", "exec"),
		slog.String("query", sql),
		slog.Duration("took", duration),
		slog.Int64("affected_rows", result.RowsAffected()),
	)
	return result, nil
}

func (db *DB) QueryWithLog(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.pool.Query(ctx, sql, args...)
	duration := time.Since(start)

	if err != nil {
		slog.Error("Query failed",
			slog.String("type", "db"),
			slog.String("operation", "query"),
			slog.String("query", sql),
			slog.Duration("took", duration),
			slog.Any("error", err),
		)
		return rows, err
	}

	slog.Debug("Query executed",
		slog.String("type", "db"),
		slog.String("operation", "query"),
		slog.String("query", sql),
		slog.Duration("took", duration),
	)
	return rows, nil
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
	if db.bunDB != nil {
		db.bunDB.Close()
	}
}

// Ping verifies both database connections are working.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgxpool ping failed: %w", err)
	}
	if err := db.bunDB.PingContext(ctx); err != nil {
		return fmt.Errorf("bun ping failed: %w", err)
	}
	return nil
}

// InitializeSchema creates all required tables, indexes and the
// change-notification triggers.
func (db *DB) InitializeSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.User)(nil),
		(*models.Slot)(nil),
		(*models.SlotLike)(nil),
		(*models.SlotView)(nil),
	}

	for _, model := range tables {
		_, err := db.bunDB.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_slots_expires_at ON slots(expires_at) WHERE expires_at IS NOT NULL;",
		"CREATE INDEX IF NOT EXISTS idx_slots_booked_by ON slots(booked_by) WHERE booked_by <> '';",
		"CREATE INDEX IF NOT EXISTS idx_users_last_upload ON users(last_upload) WHERE last_upload IS NOT NULL;",
		"CREATE INDEX IF NOT EXISTS idx_slot_likes_slot_id ON slot_likes(slot_id);",
		"CREATE INDEX IF NOT EXISTS idx_slot_views_slot_id ON slot_views(slot_id);",
	}

	for _, idx := range indexes {
		if _, err := db.ExecWithLog(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := db.installNotifyTriggers(ctx); err != nil {
		return fmt.Errorf("failed to install notify triggers: %w", err)
	}

	return nil
}

// installNotifyTriggers wires row changes on slots and users to pg_notify
// so the live aggregator can subscribe without polling.
func (db *DB) installNotifyTriggers(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION gridwall_notify_slot() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify('%s', COALESCE(NEW.id, OLD.id));
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql;`, SlotChannel),
		`DROP TRIGGER IF EXISTS slots_notify ON slots;`,
		`CREATE TRIGGER slots_notify
			AFTER INSERT OR UPDATE OR DELETE ON slots
			FOR EACH ROW EXECUTE FUNCTION gridwall_notify_slot();`,
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION gridwall_notify_user() RETURNS trigger AS $$
			BEGIN
				PERFORM pg_notify('%s', COALESCE(NEW.id, OLD.id));
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql;`, UserChannel),
		`DROP TRIGGER IF EXISTS users_notify ON users;`,
		`CREATE TRIGGER users_notify
			AFTER INSERT OR UPDATE OR DELETE ON users
			FOR EACH ROW EXECUTE FUNCTION gridwall_notify_user();`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecWithLog(ctx, stmt); err != nil {
			return err
		}
	}

	slog.Info("Change-notification triggers installed",
		slog.String("type", "db"),
		slog.String("slot_channel", SlotChannel),
		slog.String("user_channel", UserChannel))
	return nil
}
