package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"synapdocs/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour behind a *sql.DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// ParseDialect normalises the database names accepted in configuration.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported driver: %s", name)
}

// DB couples a connection pool with its dialect so queries written with `?`
// placeholders can be rebound for postgres.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}
	dialect, err := ParseDialect(dbType)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		return OpenSQLite(dbCfg.DSN)
	case MySQL:
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				mysqlParams(dbCfg.Params),
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case Postgres:
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// OpenSQLite opens a sqlite database with foreign keys enabled. The pool is
// capped at one connection so ":memory:" databases are shared and writers
// never contend for the file lock.
func OpenSQLite(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

// mysqlParams forces time parsing and found-rows semantics so RowsAffected
// counts matched rows like the other dialects.
func mysqlParams(params string) string {
	for _, p := range []string{"parseTime=true", "clientFoundRows=true"} {
		key, _, _ := strings.Cut(p, "=")
		if strings.Contains(params, key+"=") {
			continue
		}
		if params != "" {
			params += "&"
		}
		params += p
	}
	return params
}

// Rebind rewrites `?` placeholders into `$n` for postgres.
func (d *DB) Rebind(query string) string {
	return Rebind(d.Dialect, query)
}

func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertID runs an INSERT and returns the generated id column. Postgres has no
// LastInsertId, so the statement is extended with RETURNING id there.
func InsertID(ctx context.Context, q Querier, dialect Dialect, query string, args ...any) (int64, error) {
	if dialect == Postgres {
		var id int64
		if err := q.QueryRowContext(ctx, Rebind(dialect, query)+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Migrate ensures the required tables are present.
func Migrate(db *DB) error {
	var stmts []string
	switch db.Dialect {
	case SQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS user_documents (
				user_id TEXT NOT NULL,
				document_name TEXT NOT NULL,
				upload_time DATETIME NOT NULL,
				PRIMARY KEY (user_id, document_name)
			)`,
			`CREATE TABLE IF NOT EXISTS user_chats (
				thread_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				chat_name TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_chats_user ON user_chats(user_id, updated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS user_chat_documents (
				thread_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				document_name TEXT NOT NULL,
				PRIMARY KEY (thread_id, document_name),
				FOREIGN KEY(thread_id) REFERENCES user_chats(thread_id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				thread_id TEXT NOT NULL,
				sender TEXT NOT NULL,
				message TEXT NOT NULL,
				time_sent DATETIME NOT NULL,
				FOREIGN KEY(thread_id) REFERENCES user_chats(thread_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(thread_id, time_sent, id)`,
		}
	case MySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS user_documents (
				user_id VARCHAR(100) NOT NULL,
				document_name VARCHAR(255) NOT NULL,
				upload_time DATETIME(6) NOT NULL,
				PRIMARY KEY (user_id, document_name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_chats (
				thread_id VARCHAR(100) NOT NULL,
				user_id VARCHAR(100) NOT NULL,
				chat_name VARCHAR(255) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				PRIMARY KEY (thread_id),
				INDEX idx_user_chats_user (user_id, updated_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_chat_documents (
				thread_id VARCHAR(100) NOT NULL,
				user_id VARCHAR(100) NOT NULL,
				document_name VARCHAR(255) NOT NULL,
				PRIMARY KEY (thread_id, document_name),
				CONSTRAINT fk_chat_documents_thread FOREIGN KEY (thread_id) REFERENCES user_chats(thread_id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				thread_id VARCHAR(100) NOT NULL,
				sender VARCHAR(10) NOT NULL,
				message MEDIUMTEXT NOT NULL,
				time_sent DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_chat_messages_thread (thread_id, time_sent, id),
				CONSTRAINT fk_chat_messages_thread FOREIGN KEY (thread_id) REFERENCES user_chats(thread_id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case Postgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS user_documents (
				user_id VARCHAR(100) NOT NULL,
				document_name VARCHAR(255) NOT NULL,
				upload_time TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (user_id, document_name)
			)`,
			`CREATE TABLE IF NOT EXISTS user_chats (
				thread_id VARCHAR(100) PRIMARY KEY,
				user_id VARCHAR(100) NOT NULL,
				chat_name VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_chats_user ON user_chats(user_id, updated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS user_chat_documents (
				thread_id VARCHAR(100) NOT NULL REFERENCES user_chats(thread_id) ON DELETE CASCADE,
				user_id VARCHAR(100) NOT NULL,
				document_name VARCHAR(255) NOT NULL,
				PRIMARY KEY (thread_id, document_name)
			)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id BIGSERIAL PRIMARY KEY,
				thread_id VARCHAR(100) NOT NULL REFERENCES user_chats(thread_id) ON DELETE CASCADE,
				sender VARCHAR(10) NOT NULL,
				message TEXT NOT NULL,
				time_sent TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_thread ON chat_messages(thread_id, time_sent, id)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", db.Dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.Dialect, err)
		}
	}
	return nil
}
