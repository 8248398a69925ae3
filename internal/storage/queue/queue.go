// Package queue is a small durable message queue on SQLite.
//
// Messages become invisible for a visibility timeout when received and
// reappear unless deleted, which gives at-least-once delivery: a consumer
// deletes a message only after it has been processed.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xtxerr/spectra/internal/errors"
)

// MaxMessageSize is the largest accepted message body.
const MaxMessageSize = 64 * 1024

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT    PRIMARY KEY,
	queue         TEXT    NOT NULL,
	body          BLOB    NOT NULL,
	created_at    INTEGER NOT NULL,
	visible_at    INTEGER NOT NULL,
	dequeue_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_visible ON messages (queue, visible_at, created_at);
`

// Message is a received queue message.
type Message struct {
	ID           string
	Body         []byte
	Inserted     time.Time
	DequeueCount int
}

// Queue is one named queue inside a SQLite database.
type Queue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
	now        func() time.Time

	puts    atomic.Int64
	gets    atomic.Int64
	deletes atomic.Int64
}

// Open opens the queue name in the database at path.
func Open(path, name string, visibility time.Duration) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is empty", errors.ErrInvalidConfig)
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// One connection serializes access and avoids SQLITE_BUSY between
	// goroutines of this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}

	return &Queue{
		db:         db,
		name:       name,
		visibility: visibility,
		now:        time.Now,
	}, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Put appends a message and returns its id.
func (q *Queue) Put(ctx context.Context, body []byte) (string, error) {
	if len(body) > MaxMessageSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", errors.ErrMessageTooLarge, len(body), MaxMessageSize)
	}

	id := uuid.NewString()
	now := q.now().UnixNano()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (id, queue, body, created_at, visible_at) VALUES (?, ?, ?, ?, ?)`,
		id, q.name, body, now, now)
	if err != nil {
		return "", fmt.Errorf("put message: %w", err)
	}

	q.puts.Add(1)
	return id, nil
}

// Get receives the oldest visible message and hides it for the visibility
// timeout. It returns nil when the queue has no visible message.
func (q *Queue) Get(ctx context.Context) (msg *Message, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := q.now()

	var (
		m       Message
		created int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, body, created_at, dequeue_count FROM messages
		 WHERE queue = ? AND visible_at <= ?
		 ORDER BY created_at, rowid
		 LIMIT 1`,
		q.name, now.UnixNano()).Scan(&m.ID, &m.Body, &created, &m.DequeueCount)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, tx.Rollback()
	}
	if err != nil {
		return nil, fmt.Errorf("select message: %w", err)
	}

	m.DequeueCount++
	if _, err = tx.ExecContext(ctx,
		`UPDATE messages SET visible_at = ?, dequeue_count = ? WHERE id = ?`,
		now.Add(q.visibility).UnixNano(), m.DequeueCount, m.ID); err != nil {
		return nil, fmt.Errorf("hide message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.Inserted = time.Unix(0, created).UTC()
	q.gets.Add(1)
	return &m, nil
}

// Delete removes a message. Deleting an unknown id is not an error.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND queue = ?`, id, q.name); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	q.deletes.Add(1)
	return nil
}

// Len returns the number of messages in the queue, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE queue = ?`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Stats holds queue operation counters.
type Stats struct {
	Puts    int64
	Gets    int64
	Deletes int64
}

// Stats returns queue operation counters.
func (q *Queue) Stats() Stats {
	return Stats{Puts: q.puts.Load(), Gets: q.gets.Load(), Deletes: q.deletes.Load()}
}
