package storage

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const OperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Dialect hides the few statements that differ between sqlite and postgres.
type Dialect struct {
	Name       string
	driverName string
	timestamp  string
	now        string
}

var (
	SQLiteDialect = Dialect{
		Name:       "sqlite",
		driverName: "sqlite3",
		timestamp:  "TIMESTAMP",
		now:        "CURRENT_TIMESTAMP",
	}
	PostgresDialect = Dialect{
		Name:       "postgres",
		driverName: "postgres",
		timestamp:  "TIMESTAMPTZ",
		now:        "NOW()",
	}
)

// Placeholder returns the positional bind marker for argument i (1-based).
func (d Dialect) Placeholder(i int) string {
	if d.Name == PostgresDialect.Name {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

func (d Dialect) Placeholders(start, count int) string {
	parts := make([]string, 0, count)
	for i := 0; i < count; i++ {
		parts = append(parts, d.Placeholder(start+i))
	}
	return strings.Join(parts, ", ")
}

func (d Dialect) TimestampType() string {
	return d.timestamp
}

func (d Dialect) Now() string {
	return d.now
}

// DB opens its connection lazily and runs schema statements exactly once.
type DB struct {
	dialect Dialect
	dsn     string
	schema  []string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// OpenSQL builds a lazily-connected handle for a sqlite or postgres target.
func OpenSQL(target Target, schema ...string) (*DB, error) {
	switch target.Scheme {
	case SchemeSQLite:
		path := strings.TrimSpace(target.Path)
		if path == "" {
			return nil, ErrInvalidInput
		}
		return &DB{dialect: SQLiteDialect, dsn: path, schema: schema, openDB: sql.Open}, nil
	case SchemePostgres:
		dsn := strings.TrimSpace(target.Raw)
		if dsn == "" {
			return nil, ErrInvalidInput
		}
		return &DB{dialect: PostgresDialect, dsn: dsn, schema: schema, openDB: sql.Open}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a sql backend", ErrInvalidInput, target.Scheme)
	}
}

func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Conn returns the ready connection, creating tables on first use.
func (d *DB) Conn() (*sql.DB, error) {
	if d == nil {
		return nil, ErrInvalidInput
	}
	d.initOnce.Do(func() {
		if d.dialect.Name == SQLiteDialect.Name {
			if dir := filepath.Dir(d.dsn); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					d.initErr = err
					return
				}
			}
		}
		db, err := d.openDB(d.dialect.driverName, d.dsn)
		if err != nil {
			d.initErr = err
			return
		}
		if d.dialect.Name == SQLiteDialect.Name {
			// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
		defer cancel()
		for _, stmt := range d.schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				d.initErr = err
				return
			}
		}
		d.db = db
	})
	return d.db, d.initErr
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// LockKey derives a stable advisory lock key for a table/key pair.
func LockKey(tableName, key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
