package eventqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elderdiet/activitysync/internal/storage"
)

const (
	sqlQueueTableName    = "activitysync_outbox"
	sqlSequenceTableName = "activitysync_outbox_sequences"
	defaultQueueKey      = "default"
)

// sqlPersister stores one row per entry keyed by (queue_key, ordinal) and one
// row per session high-water mark keyed by (queue_key, session_id).
type sqlPersister struct {
	db            *storage.DB
	tableName     string
	sequenceTable string
	queueKey      string
}

// NewSQLQueue opens a sqlite or postgres backed queue.
func NewSQLQueue(target storage.Target, queueKey string, capacity int) (Queue, error) {
	if strings.TrimSpace(queueKey) == "" {
		queueKey = defaultQueueKey
	}
	p := &sqlPersister{tableName: sqlQueueTableName, sequenceTable: sqlSequenceTableName, queueKey: queueKey}
	db, err := storage.OpenSQL(target, p.schema(target.Scheme)...)
	if err != nil {
		return nil, err
	}
	p.db = db
	q, err := newDurableQueue(p, capacity)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (p *sqlPersister) schema(scheme storage.Scheme) []string {
	timestamp, now := storage.SQLiteDialect.TimestampType(), storage.SQLiteDialect.Now()
	if scheme == storage.SchemePostgres {
		timestamp, now = storage.PostgresDialect.TimestampType(), storage.PostgresDialect.Now()
	}
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT NOT NULL,
				ordinal BIGINT NOT NULL,
				payload TEXT NOT NULL,
				created_at %s NOT NULL DEFAULT %s,
				PRIMARY KEY (queue_key, ordinal)
			)`, storage.QuoteIdentifier(p.tableName), timestamp, now),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT NOT NULL,
				session_id TEXT NOT NULL,
				last_sequence BIGINT NOT NULL,
				PRIMARY KEY (queue_key, session_id)
			)`, storage.QuoteIdentifier(p.sequenceTable)),
	}
}

func (p *sqlPersister) load() (queueState, error) {
	conn, err := p.db.Conn()
	if err != nil {
		return queueState{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storage.OperationTimeout)
	defer cancel()

	d := p.db.Dialect()
	query := fmt.Sprintf("SELECT ordinal, payload FROM %s WHERE queue_key = %s ORDER BY ordinal ASC",
		storage.QuoteIdentifier(p.tableName), d.Placeholder(1))
	rows, err := conn.QueryContext(ctx, query, p.queueKey)
	if err != nil {
		return queueState{}, err
	}
	defer rows.Close()

	state := queueState{entries: make([]Entry, 0), sequences: map[string]uint64{}}
	for rows.Next() {
		var ordinal int64
		var payload string
		if err := rows.Scan(&ordinal, &payload); err != nil {
			return queueState{}, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil || !entry.valid() {
			continue
		}
		entry.Ordinal = uint64(ordinal)
		if entry.Ordinal >= state.nextOrdinal {
			state.nextOrdinal = entry.Ordinal + 1
		}
		state.entries = append(state.entries, entry)
	}
	if err := rows.Err(); err != nil {
		return queueState{}, err
	}

	seqQuery := fmt.Sprintf("SELECT session_id, last_sequence FROM %s WHERE queue_key = %s",
		storage.QuoteIdentifier(p.sequenceTable), d.Placeholder(1))
	seqRows, err := conn.QueryContext(ctx, seqQuery, p.queueKey)
	if err != nil {
		return queueState{}, err
	}
	defer seqRows.Close()
	for seqRows.Next() {
		var sessionID string
		var last int64
		if err := seqRows.Scan(&sessionID, &last); err != nil {
			return queueState{}, err
		}
		state.sequences[sessionID] = uint64(last)
	}
	return state, seqRows.Err()
}

func (p *sqlPersister) append(entry Entry, state queueState) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return p.inTx(func(ctx context.Context, tx *sql.Tx) error {
		d := p.db.Dialect()
		query := fmt.Sprintf("INSERT INTO %s (queue_key, ordinal, payload, created_at) VALUES (%s, %s)",
			storage.QuoteIdentifier(p.tableName), d.Placeholders(1, 3), d.Now())
		if _, err := tx.ExecContext(ctx, query, p.queueKey, int64(entry.Ordinal), string(payload)); err != nil {
			return err
		}
		if entry.Op != OpEvent {
			return nil
		}
		return p.upsertSequence(ctx, tx, entry.SessionID, state.sequences[entry.SessionID])
	})
}

func (p *sqlPersister) remove(ordinals []uint64, finished []string, _ queueState) error {
	if len(ordinals) == 0 {
		return nil
	}
	return p.inTx(func(ctx context.Context, tx *sql.Tx) error {
		d := p.db.Dialect()
		args := make([]any, 0, len(ordinals)+1)
		args = append(args, p.queueKey)
		for _, ordinal := range ordinals {
			args = append(args, int64(ordinal))
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE queue_key = %s AND ordinal IN (%s)",
			storage.QuoteIdentifier(p.tableName), d.Placeholder(1), d.Placeholders(2, len(ordinals)))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		seqQuery := fmt.Sprintf("DELETE FROM %s WHERE queue_key = %s AND session_id = %s",
			storage.QuoteIdentifier(p.sequenceTable), d.Placeholder(1), d.Placeholder(2))
		for _, sessionID := range finished {
			if _, err := tx.ExecContext(ctx, seqQuery, p.queueKey, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// rewrite replaces every row for the queue key in one transaction.
func (p *sqlPersister) rewrite(state queueState) error {
	return p.inTx(func(ctx context.Context, tx *sql.Tx) error {
		d := p.db.Dialect()
		if d.Name == storage.PostgresDialect.Name {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", storage.LockKey(p.tableName, p.queueKey)); err != nil {
				return err
			}
		}
		for _, table := range []string{p.tableName, p.sequenceTable} {
			deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE queue_key = %s", storage.QuoteIdentifier(table), d.Placeholder(1))
			if _, err := tx.ExecContext(ctx, deleteQuery, p.queueKey); err != nil {
				return err
			}
		}
		if err := p.insertAll(ctx, tx, state.entries); err != nil {
			return err
		}
		for sessionID, last := range state.sequences {
			if err := p.upsertSequence(ctx, tx, sessionID, last); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *sqlPersister) inTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	conn, err := p.db.Conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), storage.OperationTimeout)
	defer cancel()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *sqlPersister) upsertSequence(ctx context.Context, tx *sql.Tx, sessionID string, last uint64) error {
	d := p.db.Dialect()
	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, session_id, last_sequence)
		VALUES (%s)
		ON CONFLICT (queue_key, session_id)
		DO UPDATE SET last_sequence = EXCLUDED.last_sequence`,
		storage.QuoteIdentifier(p.sequenceTable), d.Placeholders(1, 3))
	_, err := tx.ExecContext(ctx, query, p.queueKey, sessionID, int64(last))
	return err
}

func (p *sqlPersister) insertAll(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	d := p.db.Dialect()
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, ordinal, payload, created_at) VALUES (%s, %s)",
		storage.QuoteIdentifier(p.tableName), d.Placeholders(1, 3), d.Now())
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertQuery, p.queueKey, int64(entry.Ordinal), string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (p *sqlPersister) close() error {
	return p.db.Close()
}
