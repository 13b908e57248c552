package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mikuai/internal/models"
)

// ErrEmptyName is returned when a session name is blank.
var ErrEmptyName = errors.New("session name cannot be empty")

// Service persists chat sessions and their messages.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService builds a chat store over db. The schema must already be migrated.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// withTx runs fn inside its own transaction and always releases it.
func (s *Service) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: op, Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return wrapStorage(op, err)
	}
	if err = tx.Commit(); err != nil {
		return &models.StorageError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func wrapStorage(op string, err error) error {
	var nf *models.NotFoundError
	var se *models.StorageError
	if errors.As(err, &nf) || errors.As(err, &se) {
		return err
	}
	return &models.StorageError{Op: op, Err: err}
}

// CreateSession inserts a new chat session stamped with the current time.
func (s *Service) CreateSession(ctx context.Context, name string) (*models.ChatSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	now := s.now()
	var id int64
	err := s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chats (name, created_at) VALUES (?, ?)`,
			name, now,
		)
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("chat id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &models.ChatSession{ID: id, Name: name, CreatedAt: now}, nil
}

// ListSessions returns every session, newest first.
func (s *Service) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := s.withTx(ctx, "list sessions", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, name, created_at FROM chats ORDER BY created_at DESC, id DESC`,
		)
		if err != nil {
			return fmt.Errorf("query chats: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var cs models.ChatSession
			if err := rows.Scan(&cs.ID, &cs.Name, &cs.CreatedAt); err != nil {
				return fmt.Errorf("scan chat: %w", err)
			}
			sessions = append(sessions, cs)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session or a NotFoundError.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (*models.ChatSession, error) {
	var cs models.ChatSession
	err := s.withTx(ctx, "get session", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, name, created_at FROM chats WHERE id = ?`, sessionID,
		).Scan(&cs.ID, &cs.Name, &cs.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Resource: "session", ID: sessionID}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// GetMessages returns the messages of a session ordered by (timestamp, id).
// An unknown session yields an empty slice.
func (s *Service) GetMessages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	messages := make([]*models.Message, 0)
	err := s.withTx(ctx, "get messages", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, chat_id, sender, message, timestamp FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, id ASC`,
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			m := new(models.Message)
			if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Body, &m.Timestamp); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			messages = append(messages, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AppendMessage stores a message for an existing session.
func (s *Service) AppendMessage(ctx context.Context, sessionID int64, sender models.Sender, body string) (*models.Message, error) {
	if !sender.Valid() {
		return nil, fmt.Errorf("invalid sender %q", sender)
	}
	now := s.now()
	msg := &models.Message{SessionID: sessionID, Sender: sender, Body: body, Timestamp: now}
	err := s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)`, sessionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("verify chat: %w", err)
		}
		if !exists {
			return &models.NotFoundError{Resource: "session", ID: sessionID}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (chat_id, sender, message, timestamp) VALUES (?, ?, ?, ?)`,
			sessionID, string(sender), body, now,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// RenameSession sets a new name. Renaming a missing session is a no-op,
// whatever the name; a blank name for an existing session is ErrEmptyName.
func (s *Service) RenameSession(ctx context.Context, sessionID int64, name string) error {
	name = strings.TrimSpace(name)
	blank := false
	err := s.withTx(ctx, "rename session", func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)`, sessionID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("verify chat: %w", err)
		}
		if !exists {
			return nil
		}
		if name == "" {
			blank = true
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET name = ? WHERE id = ?`, name, sessionID); err != nil {
			return fmt.Errorf("update chat name: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if blank {
		return ErrEmptyName
	}
	return nil
}

// DeleteSession removes a session and all of its messages atomically.
// Deleting a missing session is a no-op.
func (s *Service) DeleteSession(ctx context.Context, sessionID int64) error {
	return s.withTx(ctx, "delete session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete chat: %w", err)
		}
		return nil
	})
}
