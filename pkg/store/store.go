package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is the durable backing for sessions, messages, memory facts and
// tool invocation records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	scorer Scorer
}

// Config holds store configuration
type Config struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string

	Logger zerolog.Logger

	// Scorer filters search matches. Defaults to SubstringScorer.
	Scorer Scorer

	// Retention is applied once at startup when CleanupOnStartup is set.
	Retention RetentionPolicy
}

// Open opens (creating if necessary) the store at cfg.Path
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One shared connection keeps SQLite writer-lock contention out of the
	// picture when many sessions mutate concurrently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	scorer := cfg.Scorer
	if scorer == nil {
		scorer = SubstringScorer{}
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger,
		scorer: scorer,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Retention.CleanupOnStartup {
		result, err := s.SweepRetention(context.Background(), cfg.Retention, "")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("startup sweep failed: %w", err)
		}
		if result.Total() > 0 {
			s.logger.Info().
				Int("aged_out", result.AgedOut).
				Int("evicted", result.Evicted).
				Msg("Startup retention sweep completed")
		}
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Store opened")
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			user_id TEXT,
			content TEXT NOT NULL,
			importance REAL NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			accessed_at_ms INTEGER NOT NULL,
			CHECK ((session_id IS NULL) != (user_id IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, importance DESC, accessed_at_ms DESC);
		CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT,
			tool_name TEXT NOT NULL,
			parameters_json TEXT NOT NULL DEFAULT '{}',
			result_json TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER,
			created_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, created_at_ms);
	`

	_, err := s.db.Exec(schema)
	return err
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CreateSession creates a session record. A repeat call for the same id
// and the same user is a no-op; a repeat call with a different user fails
// with ErrAlreadyExists.
func (s *Store) CreateSession(ctx context.Context, id, userID string, metadata map[string]string) (Session, error) {
	if id == "" {
		return Session{}, errors.New("session id cannot be empty")
	}
	if userID == "" {
		return Session{}, errors.New("user id cannot be empty")
	}

	var existingUser string
	var createdMs, updatedMs int64
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, metadata_json, created_at_ms, updated_at_ms FROM sessions WHERE id = ?`, id).
		Scan(&existingUser, &metaJSON, &createdMs, &updatedMs)
	switch {
	case err == nil:
		if existingUser != userID {
			return Session{}, fmt.Errorf("session %s belongs to another user: %w", id, ErrAlreadyExists)
		}
		existing := Session{
			ID:        id,
			UserID:    existingUser,
			CreatedAt: msToTime(createdMs),
			UpdatedAt: msToTime(updatedMs),
		}
		if unmarshalErr := json.Unmarshal([]byte(metaJSON), &existing.Metadata); unmarshalErr != nil {
			return Session{}, fmt.Errorf("failed to decode session metadata: %w", unmarshalErr)
		}
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Session{}, fmt.Errorf("failed to look up session: %w", err)
	}

	if metadata == nil {
		metadata = map[string]string{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode session metadata: %w", err)
	}

	now := nowMs()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, metadata_json, created_at_ms, updated_at_ms) VALUES (?, ?, ?, ?, ?)`,
		id, userID, string(metaBytes), now, now); err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug().Str("session_id", id).Str("user_id", userID).Msg("Session created")

	return Session{
		ID:        id,
		UserID:    userID,
		Metadata:  metadata,
		CreatedAt: msToTime(now),
		UpdatedAt: msToTime(now),
	}, nil
}

// GetSession returns the session with the given id
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var metaJSON string
	var createdMs, updatedMs int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, metadata_json, created_at_ms, updated_at_ms FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &metaJSON, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		return Session{}, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	sess.CreatedAt = msToTime(createdMs)
	sess.UpdatedAt = msToTime(updatedMs)
	return sess, nil
}

// ListSessions returns all sessions belonging to a user, most recently
// updated first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, metadata_json, created_at_ms, updated_at_ms FROM sessions WHERE user_id = ? ORDER BY updated_at_ms DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var metaJSON string
		var createdMs, updatedMs int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &metaJSON, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode session metadata: %w", err)
		}
		sess.CreatedAt = msToTime(createdMs)
		sess.UpdatedAt = msToTime(updatedMs)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, via cascade, its messages.
// Memory facts are untouched.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.logger.Debug().Str("session_id", id).Msg("Session deleted")
	return nil
}

// AppendMessage appends a message to a session and bumps the session's
// UpdatedAt. The store assigns the id and, when unset, the timestamp;
// timestamps are clamped so they never decrease within a session.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg Message) (Message, error) {
	if msg.Role == "" {
		return Message{}, errors.New("message role cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return Message{}, fmt.Errorf("failed to look up session: %w", err)
	}

	ts := msg.Timestamp.UnixMilli()
	if msg.Timestamp.IsZero() {
		ts = nowMs()
	}

	var lastTs sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(created_at_ms) FROM messages WHERE session_id = ?`, sessionID).Scan(&lastTs); err != nil {
		return Message{}, fmt.Errorf("failed to read last message timestamp: %w", err)
	}
	if lastTs.Valid && ts < lastTs.Int64 {
		ts = lastTs.Int64
	}

	msg.ID = uuid.NewString()
	msg.SessionID = sessionID
	msg.Timestamp = msToTime(ts)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_call_id, tool_name, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.ToolCallID, msg.ToolName, ts); err != nil {
		return Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at_ms = ? WHERE id = ?`, nowMs(), sessionID); err != nil {
		return Message{}, fmt.Errorf("failed to bump session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("failed to commit message: %w", err)
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Str("role", msg.Role).
		Msg("Message appended")

	return msg, nil
}

// ListMessages returns a session's messages. With limit <= 0 the full
// history is returned oldest-first. With a positive limit the newest
// `limit` messages are returned newest-first; callers bounding history
// must reorder themselves.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT id, session_id, role, content, tool_call_id, tool_name, created_at_ms
		FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query = `SELECT id, session_id, role, content, tool_call_id, tool_name, created_at_ms
			FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.ToolCallID, &msg.ToolName, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = msToTime(ts)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ClearMessages deletes all messages for a session and returns how many
// were removed. The session record itself survives.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.logger.Debug().Str("session_id", sessionID).Int64("deleted", affected).Msg("Messages cleared")
	return int(affected), nil
}

// AddMemory stores a new memory fact and returns its id. Importance is
// not range-checked; negative values simply rank last.
func (s *Store) AddMemory(ctx context.Context, content string, scope Scope, importance float64, tags []string) (string, error) {
	if content == "" {
		return "", errors.New("memory content cannot be empty")
	}
	if err := scope.validate(); err != nil {
		return "", err
	}

	if tags == nil {
		tags = []string{}
	}
	tagsBytes, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}

	id := uuid.NewString()
	now := nowMs()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, session_id, user_id, content, importance, access_count, tags_json, created_at_ms, accessed_at_ms)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, nullable(scope.SessionID), nullable(scope.UserID), content, importance, string(tagsBytes), now, now); err != nil {
		return "", fmt.Errorf("failed to insert memory: %w", err)
	}

	s.logger.Debug().
		Str("memory_id", id).
		Str("user_id", scope.UserID).
		Str("session_id", scope.SessionID).
		Float64("importance", importance).
		Msg("Memory added")

	return id, nil
}

// DeleteMemory removes a single memory fact
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// SearchMemories returns facts matching the query, restricted to facts
// visible to the scope: a user scope sees that user's cross-session
// facts; a session scope additionally sees facts pinned to that session.
// Results are ordered by importance descending, then last access
// descending. Returned facts get their access counters bumped.
func (s *Store) SearchMemories(ctx context.Context, query string, scope Scope, limit int) ([]MemoryFact, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	var where string
	var args []interface{}
	if scope.SessionID != "" {
		sess, err := s.GetSession(ctx, scope.SessionID)
		if err != nil {
			return nil, err
		}
		where = `session_id = ? OR user_id = ?`
		args = []interface{}{scope.SessionID, sess.UserID}
	} else {
		where = `user_id = ?`
		args = []interface{}{scope.UserID}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, content, importance, access_count, tags_json, created_at_ms, accessed_at_ms
		 FROM memories WHERE `+where+`
		 ORDER BY importance DESC, accessed_at_ms DESC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}

	var matched []MemoryFact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if !s.scorer.Match(fact.Content, query) {
			continue
		}
		matched = append(matched, fact)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.touchFacts(ctx, matched); err != nil {
		return nil, err
	}
	return matched, nil
}

// ListMemoriesByUser returns a user's cross-session facts ordered by
// importance descending, then last access descending. Returned facts get
// their access counters bumped, same as SearchMemories.
func (s *Store) ListMemoriesByUser(ctx context.Context, userID string, limit int) ([]MemoryFact, error) {
	return s.SearchMemories(ctx, "", UserScope(userID), limit)
}

type factScanner interface {
	Scan(dest ...interface{}) error
}

func scanFact(row factScanner) (MemoryFact, error) {
	var fact MemoryFact
	var sessionID, userID sql.NullString
	var tagsJSON string
	var createdMs, accessedMs int64

	if err := row.Scan(&fact.ID, &sessionID, &userID, &fact.Content, &fact.Importance,
		&fact.AccessCount, &tagsJSON, &createdMs, &accessedMs); err != nil {
		return MemoryFact{}, fmt.Errorf("failed to scan memory: %w", err)
	}

	fact.SessionID = sessionID.String
	fact.UserID = userID.String
	fact.CreatedAt = msToTime(createdMs)
	fact.AccessedAt = msToTime(accessedMs)
	if err := json.Unmarshal([]byte(tagsJSON), &fact.Tags); err != nil {
		return MemoryFact{}, fmt.Errorf("failed to decode tags: %w", err)
	}
	return fact, nil
}

// touchFacts records that the facts were served to a caller
func (s *Store) touchFacts(ctx context.Context, facts []MemoryFact) error {
	if len(facts) == 0 {
		return nil
	}

	now := nowMs()
	placeholders := make([]string, len(facts))
	args := make([]interface{}, 0, len(facts)+1)
	args = append(args, now)
	for i := range facts {
		placeholders[i] = "?"
		args = append(args, facts[i].ID)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, accessed_at_ms = ? WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...); err != nil {
		return fmt.Errorf("failed to update access counters: %w", err)
	}

	for i := range facts {
		facts[i].AccessCount++
		facts[i].AccessedAt = msToTime(now)
	}
	return nil
}

// RecordToolInvocation writes one tool-call audit record. The runtime
// never reads these back; they exist for external inspection.
func (s *Store) RecordToolInvocation(ctx context.Context, rec ToolInvocationRecord) (ToolInvocationRecord, error) {
	if rec.ToolName == "" {
		return ToolInvocationRecord{}, errors.New("tool name cannot be empty")
	}
	if rec.SessionID == "" {
		return ToolInvocationRecord{}, errors.New("session id cannot be empty")
	}

	paramsBytes, err := json.Marshal(rec.Parameters)
	if err != nil {
		return ToolInvocationRecord{}, fmt.Errorf("failed to encode parameters: %w", err)
	}

	var resultJSON sql.NullString
	if rec.Result != nil {
		resultBytes, err := json.Marshal(rec.Result)
		if err != nil {
			return ToolInvocationRecord{}, fmt.Errorf("failed to encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(resultBytes), Valid: true}
	}

	rec.ID = uuid.NewString()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = msToTime(nowMs())
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, session_id, message_id, tool_name, parameters_json, result_json, success, duration_ms, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, nullable(rec.MessageID), rec.ToolName, string(paramsBytes),
		resultJSON, boolToInt(rec.Success), rec.DurationMs, rec.Timestamp.UnixMilli()); err != nil {
		return ToolInvocationRecord{}, fmt.Errorf("failed to insert tool call record: %w", err)
	}

	return rec, nil
}

// ListToolInvocations returns a session's tool-call audit records oldest-first
func (s *Store) ListToolInvocations(ctx context.Context, sessionID string) ([]ToolInvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, message_id, tool_name, parameters_json, result_json, success, duration_ms, created_at_ms
		 FROM tool_calls WHERE session_id = ? ORDER BY created_at_ms ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var records []ToolInvocationRecord
	for rows.Next() {
		var rec ToolInvocationRecord
		var messageID, resultJSON sql.NullString
		var paramsJSON string
		var success int
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &messageID, &rec.ToolName, &paramsJSON,
			&resultJSON, &success, &rec.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan tool call record: %w", err)
		}
		rec.MessageID = messageID.String
		rec.Success = success != 0
		rec.Timestamp = msToTime(ts)
		if err := json.Unmarshal([]byte(paramsJSON), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters: %w", err)
		}
		if resultJSON.Valid {
			if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
