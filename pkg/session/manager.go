package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/internal/tracing"
	"github.com/harun/ranyadesk/pkg/conversation"
)

const tracerName = "ranyadesk.session"

// ErrNotFound is returned when a session ID does not exist
var ErrNotFound = errors.New("session not found")

// Manager persists sessions and their messages
type Manager struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// New opens (creating if needed) the session database at dbPath.
// An empty path selects ~/.ranyadesk/sessions/sessions.db.
func New(dbPath string) (*Manager, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".ranyadesk", "sessions", "sessions.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// sqlite allows one writer; a single connection keeps ID allocation serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	m := &Manager{db: db, dbPath: dbPath, now: time.Now}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("db", dbPath).Msg("Session manager initialized")
	m.updateActiveSessionsMetric(context.Background())

	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			working_dir TEXT NOT NULL,
			name TEXT NOT NULL,
			session_type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			message_id TEXT,
			role TEXT NOT NULL,
			created INTEGER NOT NULL,
			content_json TEXT NOT NULL,
			metadata_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create session schema: %w", err)
	}
	return nil
}

// Path returns the database file path
func (m *Manager) Path() string {
	return m.dbPath
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (m *Manager) updateActiveSessionsMetric(ctx context.Context) {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return
	}
	observability.SetActiveSessions(count)
}

// CreateSession validates the inputs and inserts a new session record
func (m *Manager) CreateSession(ctx context.Context, workingDir, name string, sessionType SessionType) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.create",
		attribute.String("session_type", string(sessionType)),
		attribute.String("working_dir", workingDir),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if !sessionType.Valid() {
		return nil, failSpan(span, fmt.Errorf("invalid session type: %s", sessionType))
	}
	if strings.TrimSpace(workingDir) == "" {
		return nil, failSpan(span, fmt.Errorf("working directory cannot be empty"))
	}
	if strings.TrimSpace(name) == "" {
		return nil, failSpan(span, fmt.Errorf("session name cannot be empty"))
	}

	now := m.now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	id, err := nextSessionID(ctx, tx, now)
	if err != nil {
		return nil, failSpan(span, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, working_dir, name, session_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, workingDir, name, string(sessionType), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to insert session: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to commit session: %w", err))
	}

	observability.RecordSessionCreated(string(sessionType))
	m.updateActiveSessionsMetric(ctx)
	span.SetAttributes(attribute.String("session_id", id))
	logger.Info().
		Str("session_id", id).
		Str("session_type", string(sessionType)).
		Str("working_dir", workingDir).
		Msg("Session created")

	created := time.UnixMilli(now.UnixMilli())
	return &Session{
		ID:          id,
		WorkingDir:  workingDir,
		Name:        name,
		SessionType: sessionType,
		CreatedAt:   created,
		UpdatedAt:   created,
	}, nil
}

// nextSessionID allocates the next YYYYMMDD_N identifier for the day of now
func nextSessionID(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	prefix := now.Format("20060102") + "_"
	rows, err := tx.QueryContext(ctx, "SELECT id FROM sessions WHERE id LIKE ?", prefix+"%")
	if err != nil {
		return "", fmt.Errorf("failed to allocate session id: %w", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to allocate session id: %w", err)
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, prefix)); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to allocate session id: %w", err)
	}
	return prefix + strconv.Itoa(highest+1), nil
}

const sessionColumns = `s.id, s.working_dir, s.name, s.session_type, s.created_at, s.updated_at,
	(SELECT COUNT(*) FROM messages WHERE session_id = s.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                    Session
		sessionType          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &s.WorkingDir, &s.Name, &sessionType, &createdAt, &updatedAt, &s.MessageCount); err != nil {
		return nil, err
	}
	s.SessionType = SessionType(sessionType)
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}

// GetSession loads one session, optionally with its conversation
func (m *Manager) GetSession(ctx context.Context, id string, includeMessages bool) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.get", attribute.String("session_id", id))
	defer span.End()

	row := m.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions s WHERE s.id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failSpan(span, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to load session: %w", err))
	}

	if includeMessages {
		conv, err := m.GetConversation(ctx, id)
		if err != nil {
			return nil, failSpan(span, err)
		}
		s.Conversation = conv
	}
	return s, nil
}

// ListSessions returns every session, most recently updated first
func (m *Manager) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions s ORDER BY s.updated_at DESC, s.id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateName renames a session
func (m *Manager) UpdateName(ctx context.Context, id, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	res, err := m.db.ExecContext(ctx, "UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?", name, m.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	return requireAffected(res, id)
}

// DeleteSession removes a session and its messages
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session_id", id))
	defer span.End()

	res, err := m.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to delete session: %w", err))
	}
	if err := requireAffected(res, id); err != nil {
		return failSpan(span, err)
	}

	m.updateActiveSessionsMetric(ctx)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AddMessage appends a message to the session history
func (m *Manager) AddMessage(ctx context.Context, id string, msg conversation.Message) error {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.add_message",
		attribute.String("session_id", id),
		attribute.String("role", string(msg.Role)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := m.insertMessages(ctx, tx, id, conversation.Conversation{msg}); err != nil {
		return failSpan(span, err)
	}
	if err := tx.Commit(); err != nil {
		return failSpan(span, fmt.Errorf("failed to commit message: %w", err))
	}
	return nil
}

// ReplaceConversation swaps the whole history of a session atomically
func (m *Manager) ReplaceConversation(ctx context.Context, id string, conv conversation.Conversation) error {
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"session.replace_conversation",
		attribute.String("session_id", id),
		attribute.Int("messages", len(conv)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return failSpan(span, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return failSpan(span, fmt.Errorf("failed to clear conversation: %w", err))
	}
	if err := m.insertMessages(ctx, tx, id, conv); err != nil {
		return failSpan(span, err)
	}
	if err := tx.Commit(); err != nil {
		return failSpan(span, fmt.Errorf("failed to commit conversation: %w", err))
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("session_id", id).
		Int("messages", len(conv)).
		Msg("Conversation replaced")
	return nil
}

func (m *Manager) insertMessages(ctx context.Context, tx *sql.Tx, id string, conv conversation.Conversation) error {
	res, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", m.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	for _, msg := range conv {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("invalid message: %w", err)
		}
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal message content: %w", err)
		}
		metadata, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		created := msg.Created
		if created == 0 {
			created = m.now().Unix()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, message_id, role, created, content_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?)`,
			id, msg.ID, string(msg.Role), created, string(content), string(metadata),
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	return nil
}

// GetConversation loads the ordered history of a session
func (m *Manager) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	rows, err := m.db.QueryContext(ctx,
		"SELECT message_id, role, created, content_json, metadata_json FROM messages WHERE session_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to load conversation: %w", err))
	}
	defer rows.Close()

	conv := conversation.Conversation{}
	for rows.Next() {
		var (
			msg       conversation.Message
			messageID sql.NullString
			role      string
			content   string
			metadata  string
		)
		if err := rows.Scan(&messageID, &role, &msg.Created, &content, &metadata); err != nil {
			return nil, failSpan(span, fmt.Errorf("failed to scan message: %w", err))
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			logger.Warn().Err(err).Str("session_id", id).Msg("Failed to decode message, skipping")
			continue
		}
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			msg.Metadata = conversation.Metadata{UserVisible: true, AgentVisible: true}
		}
		msg.ID = messageID.String
		msg.Role = conversation.Role(role)
		conv = append(conv, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to read conversation: %w", err))
	}
	return conv, nil
}

// Close closes the database
func (m *Manager) Close() error {
	log.Info().Msg("Session manager closed")
	return m.db.Close()
}
