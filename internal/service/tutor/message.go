package tutor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tutorgo/internal/models"
)

// AddMessage stores a new message and touches the conversation's
// updated_at timestamp. Messages are immutable once written.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	now := time.Now().UTC()
	msg.ID = uuid.NewString()
	msg.CreatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, sender, content, message_type, file_url, file_type, file_size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Sender, msg.Content, msg.MessageType,
		msg.FileURL, msg.FileType, msg.FileSize, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return &msg, nil
}

// ListMessages returns every message of a conversation ordered oldest-first.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, sender, content, message_type, file_url, file_type, file_size, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the most recent limit messages of a conversation,
// ordered oldest-first. This is the bounded history window sent downstream.
func (s *Service) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, sender, content, message_type, file_url, file_type, file_size, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse from newest-first to oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessage loads a single message by id.
func (s *Service) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, user_id, sender, content, message_type, file_url, file_type, file_size, created_at
		 FROM messages WHERE id = ?`,
		id,
	)
	m := new(models.Message)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Sender, &m.Content, &m.MessageType,
		&m.FileURL, &m.FileType, &m.FileSize, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Sender, &m.Content, &m.MessageType,
			&m.FileURL, &m.FileType, &m.FileSize, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
