package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/domain"
	"github.com/evmakarov/atlas-tutor/internal/shared"
	_ "modernc.org/sqlite"
)

// Retry defaults, used when the caller passes non-positive values.
const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db             *sql.DB
	maxRetries     int
	retryBaseDelay time.Duration
	messageMu      sync.Mutex // serializes log appends to prevent SQLITE_BUSY on the seq subselect
}

// NewSQLite creates a new SQLite-backed repository. maxRetries and
// retryBaseDelay control the backoff on SQLITE_BUSY conflicts.
func NewSQLite(dbPath string, maxRetries int, retryBaseDelay time.Duration) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}

	store := &SQLiteStore{db: db, maxRetries: maxRetries, retryBaseDelay: retryBaseDelay}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, course_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(user_id, course_id, seq);

	CREATE TABLE IF NOT EXISTS conversations (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		rag_counter INTEGER NOT NULL DEFAULT 0,
		web_counter INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(user_id, course_id)
	);

	CREATE TABLE IF NOT EXISTS message_sources (
		user_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sources_json TEXT NOT NULL,
		PRIMARY KEY(user_id, course_id, message_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// AppendMessage appends a message to the conversation log. The sequence
// number is assigned inside the insert so appends stay gapless and ordered
// even under concurrent conversations.
func (s *SQLiteStore) AppendMessage(ctx context.Context, key domain.ConversationKey, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message body: %w", err)
	}

	query := `
	INSERT INTO messages (id, user_id, course_id, seq, role, body, created_at)
	VALUES (?, ?, ?,
		(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE user_id = ? AND course_id = ?),
		?, ?, ?)`

	s.messageMu.Lock()
	defer s.messageMu.Unlock()

	return shared.RetryOnConflict(ctx, s.maxRetries, s.retryBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query,
			msg.ID, key.UserID, key.CourseID,
			key.UserID, key.CourseID,
			msg.Role, string(body), msg.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

// GetMessages returns the conversation's message log ordered oldest first.
// Rows with undecodable bodies are skipped with a warning rather than failing
// the whole read; a partially readable log must still render.
func (s *SQLiteStore) GetMessages(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error) {
	query := `
		SELECT id, body FROM messages
		WHERE user_id = ? AND course_id = ?
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, key.UserID, key.CourseID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		var msg domain.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			slog.Warn("skipping undecodable message body",
				"message_id", id,
				"user_id", key.UserID,
				"course_id", key.CourseID,
				"error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = id
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// ReserveRagIDs atomically advances the document-retrieval counter by n and
// returns the new counter value (the last id of the reserved block).
func (s *SQLiteStore) ReserveRagIDs(ctx context.Context, key domain.ConversationKey, n int) (int64, error) {
	return s.reserveIDs(ctx, key, "rag_counter", n)
}

// ReserveWebIDs atomically advances the web-retrieval counter by n and
// returns the new counter value.
func (s *SQLiteStore) ReserveWebIDs(ctx context.Context, key domain.ConversationKey, n int) (int64, error) {
	return s.reserveIDs(ctx, key, "web_counter", n)
}

// reserveIDs performs the counter advance as a single upsert so reservation
// is atomic without an explicit transaction. If the counter row cannot be
// read back (corrupted state), the counter restarts at zero: this keeps tool
// calls working at the cost of id uniqueness against citations issued before
// the loss. Accepted limitation, logged loudly.
func (s *SQLiteStore) reserveIDs(ctx context.Context, key domain.ConversationKey, column string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("reserve %s: n must be positive, got %d", column, n)
	}

	now := time.Now().Unix()
	query := fmt.Sprintf(`
	INSERT INTO conversations (user_id, course_id, %[1]s, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, course_id) DO UPDATE SET
		%[1]s = conversations.%[1]s + excluded.%[1]s,
		updated_at = excluded.updated_at
	RETURNING %[1]s`, column)

	var end int64
	err := shared.RetryOnConflict(ctx, s.maxRetries, s.retryBaseDelay, func() error {
		row := s.db.QueryRowContext(ctx, query, key.UserID, key.CourseID, n, now, now)
		return row.Scan(&end)
	})
	if err == nil {
		return end, nil
	}
	if shared.IsSQLiteConflictError(err) {
		return 0, fmt.Errorf("reserve %s: %w", column, err)
	}

	// Counter state unreadable: reinitialize this counter at zero and issue
	// 1..n. Only the failed column is rewritten; the sibling counter keeps
	// its value.
	slog.Warn("counter state unreadable, reinitializing at zero",
		"user_id", key.UserID,
		"course_id", key.CourseID,
		"column", column,
		"error", err)

	reset := fmt.Sprintf(`
	INSERT INTO conversations (user_id, course_id, %[1]s, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, course_id) DO UPDATE SET
		%[1]s = excluded.%[1]s,
		updated_at = excluded.updated_at`, column)
	if _, resetErr := s.db.ExecContext(ctx, reset, key.UserID, key.CourseID, n, now, now); resetErr != nil {
		return 0, fmt.Errorf("reinitialize %s: %w", column, resetErr)
	}
	return int64(n), nil
}

// GetMessageSources looks up the legacy source side table by message id.
func (s *SQLiteStore) GetMessageSources(ctx context.Context, key domain.ConversationKey, messageID string) (*domain.EmbeddedSources, error) {
	query := `
		SELECT sources_json FROM message_sources
		WHERE user_id = ? AND course_id = ? AND message_id = ?`

	var raw string
	err := s.db.QueryRowContext(ctx, query, key.UserID, key.CourseID, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message sources: %w", err)
	}

	var sources domain.EmbeddedSources
	if err := json.Unmarshal([]byte(raw), &sources); err != nil {
		return nil, fmt.Errorf("decode message sources: %w", err)
	}
	return &sources, nil
}

// ClearConversation removes the log, counters and legacy side-table rows for
// a conversation in one transaction. Clearing an already-empty conversation
// is a no-op.
func (s *SQLiteStore) ClearConversation(ctx context.Context, key domain.ConversationKey) error {
	return shared.RetryOnConflict(ctx, s.maxRetries, s.retryBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear transaction: %w", err)
		}
		defer func() {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				slog.Debug("clear transaction rollback", "error", rollbackErr)
			}
		}()

		for _, stmt := range []string{
			`DELETE FROM messages WHERE user_id = ? AND course_id = ?`,
			`DELETE FROM conversations WHERE user_id = ? AND course_id = ?`,
			`DELETE FROM message_sources WHERE user_id = ? AND course_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, key.UserID, key.CourseID); err != nil {
				return fmt.Errorf("clear conversation: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit clear transaction: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
