package tutor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tutorgo/internal/models"
)

// CreateConversation inserts a new conversation for the user and returns
// the record.
func (s *Service) CreateConversation(ctx context.Context, userID, title, subject string) (*models.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Subject:   subject,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, subject, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Subject, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation owned by the user, or
// sql.ErrNoRows when it does not exist or belongs to someone else.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, subject, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Subject, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations ordered by last
// activity.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, subject, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Subject, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}
