// Package recordstore persists single JSON records such as the current
// session and the device registration.
package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/elderdiet/activitysync/internal/storage"
)

const recordTableName = "activitysync_records"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrLocalStorage = errors.New("local storage error")
)

// Store loads and saves one JSON record. Load reports false when nothing has
// been saved yet.
type Store interface {
	Load(v any) (bool, error)
	Save(v any) error
	Close() error
}

type memoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() Store {
	return &memoryStore{}
}

func (s *memoryStore) Load(v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return false, nil
	}
	return true, json.Unmarshal(s.data, v)
}

func (s *memoryStore) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

type fileStore struct {
	path string
}

// NewFileStore writes the record to path atomically.
func NewFileStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) Load(v any) (bool, error) {
	data, err := storage.ReadFileIfExists(s.path)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrLocalStorage, s.path, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrLocalStorage, s.path, err)
	}
	return true, nil
}

func (s *fileStore) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLocalStorage, s.path, err)
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

type sqlStore struct {
	db        *storage.DB
	tableName string
	key       string
}

// NewSQLStore keeps the record in a shared key/value table.
func NewSQLStore(target storage.Target, key string) (Store, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	timestamp := storage.SQLiteDialect.TimestampType()
	if target.Scheme == storage.SchemePostgres {
		timestamp = storage.PostgresDialect.TimestampType()
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at %s NOT NULL
		)`, storage.QuoteIdentifier(recordTableName), timestamp)
	db, err := storage.OpenSQL(target, schema)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, tableName: recordTableName, key: key}, nil
}

func (s *sqlStore) Load(v any) (bool, error) {
	conn, err := s.db.Conn()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLocalStorage, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storage.OperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE record_key = %s",
		storage.QuoteIdentifier(s.tableName), s.db.Dialect().Placeholder(1))
	var payload string
	err = conn.QueryRowContext(ctx, query, s.key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLocalStorage, err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrLocalStorage, s.key, err)
	}
	return true, nil
}

func (s *sqlStore) Save(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn, err := s.db.Conn()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalStorage, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), storage.OperationTimeout)
	defer cancel()

	d := s.db.Dialect()
	query := fmt.Sprintf(`
		INSERT INTO %s (record_key, snapshot, updated_at)
		VALUES (%s, %s)
		ON CONFLICT (record_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = %s`,
		storage.QuoteIdentifier(s.tableName), d.Placeholders(1, 2), d.Now(), d.Now())
	if _, err := conn.ExecContext(ctx, query, s.key, string(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalStorage, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// BuildFromDSN opens the record named key. File DSNs name a directory that
// holds one <key>.json per record.
func BuildFromDSN(dsn, key string) (Store, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	if parsed, err := url.Parse(dsn); err == nil {
		if factory, ok := lookupFactory(parsed.Scheme); ok {
			return factory(dsn, key)
		}
	}
	target, err := storage.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case storage.SchemeMemory:
		return NewMemoryStore(), nil
	case storage.SchemeSQLite, storage.SchemePostgres:
		return NewSQLStore(target, key)
	default:
		return NewFileStore(filepath.Join(target.Path, key+".json"))
	}
}
