package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/voxgate-ai/voxgate/pkg/models"
)

// ErrChatNotFound is returned for operations on an unknown chat id.
var ErrChatNotFound = errors.New("chat not found")

// Store records and queries chat conversations.
type Store interface {
	// CreateChat starts a new conversation and returns it.
	CreateChat(ctx context.Context, title string) (*models.Chat, error)
	// ListChats returns all conversations, most recently updated first.
	ListChats(ctx context.Context) ([]models.Chat, error)
	// AppendMessage adds one message to a conversation.
	AppendMessage(ctx context.Context, chatID, role, content string) error
	// Messages returns a conversation's messages in order.
	Messages(ctx context.Context, chatID string) ([]models.StoredMessage, error)
	// DeleteChat removes a conversation and its messages.
	DeleteChat(ctx context.Context, chatID string) error
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const createChats = `
CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const createMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
`

// New creates a SQLiteStore and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(createChats); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chats table: %w", err)
	}
	if _, err := db.Exec(createMessages); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate messages table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateChat starts a new conversation.
func (s *SQLiteStore) CreateChat(ctx context.Context, title string) (*models.Chat, error) {
	now := time.Now().UTC()
	chat := &models.Chat{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		chat.ID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// ListChats returns all conversations, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// AppendMessage adds one message and bumps the chat's updated time.
func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID, role, content string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		chatID, role, content, now,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns a conversation's messages in insertion order.
func (s *SQLiteStore) Messages(ctx context.Context, chatID string) ([]models.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, created_at FROM messages
		 WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteChat removes a conversation and its messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
