package tutor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tutorgo/internal/models"
)

// CreateReminder stores a new reminder for the user.
func (s *Service) CreateReminder(ctx context.Context, rem models.Reminder) (*models.Reminder, error) {
	if rem.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if strings.TrimSpace(rem.Title) == "" {
		return nil, errors.New("title is required")
	}
	if rem.RemindAt.IsZero() {
		return nil, errors.New("remind_at is required")
	}
	now := time.Now().UTC()
	rem.ID = uuid.NewString()
	rem.CreatedAt = now
	rem.UpdatedAt = now
	rem.FiredAt = nil
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, user_id, title, description, remind_at, is_recurring, recurrence_rule, fired_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		rem.ID, rem.UserID, rem.Title, rem.Description, rem.RemindAt.UTC(), rem.IsRecurring, rem.RecurrenceRule, rem.CreatedAt, rem.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	return &rem, nil
}

// ListReminders returns the user's reminders ordered by due time.
func (s *Service) ListReminders(ctx context.Context, userID string) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, remind_at, is_recurring, recurrence_rule, fired_at, created_at, updated_at
		 FROM reminders WHERE user_id = ? ORDER BY remind_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// UpdateReminder rewrites the editable fields of a reminder owned by the
// user. Returns sql.ErrNoRows when it does not exist.
func (s *Service) UpdateReminder(ctx context.Context, rem models.Reminder) error {
	if rem.ID == "" || rem.UserID == "" {
		return errors.New("reminder id and user_id are required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET title = ?, description = ?, remind_at = ?, is_recurring = ?, recurrence_rule = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		rem.Title, rem.Description, rem.RemindAt.UTC(), rem.IsRecurring, rem.RecurrenceRule, time.Now().UTC(), rem.ID, rem.UserID,
	)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reminder rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteReminder removes a reminder owned by the user.
func (s *Service) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND user_id = ?`, reminderID, userID)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reminder rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DueReminders returns reminders whose due time has passed and that have
// not fired yet.
func (s *Service) DueReminders(ctx context.Context, now time.Time) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, remind_at, is_recurring, recurrence_rule, fired_at, created_at, updated_at
		 FROM reminders WHERE fired_at IS NULL AND remind_at <= ? ORDER BY remind_at ASC`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// MarkReminderFired stamps a one-shot reminder as delivered.
func (s *Service) MarkReminderFired(ctx context.Context, reminderID string, firedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fired_at = ?, updated_at = ? WHERE id = ?`,
		firedAt.UTC(), firedAt.UTC(), reminderID,
	); err != nil {
		return fmt.Errorf("mark reminder fired: %w", err)
	}
	return nil
}

// RearmReminder pushes a recurring reminder to its next due time.
func (s *Service) RearmReminder(ctx context.Context, reminderID string, next time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET remind_at = ?, updated_at = ? WHERE id = ?`,
		next.UTC(), time.Now().UTC(), reminderID,
	); err != nil {
		return fmt.Errorf("rearm reminder: %w", err)
	}
	return nil
}

func scanReminders(rows *sql.Rows) ([]models.Reminder, error) {
	var reminders []models.Reminder
	for rows.Next() {
		var r models.Reminder
		var fired sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &r.RemindAt,
			&r.IsRecurring, &r.RecurrenceRule, &fired, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		if fired.Valid {
			t := fired.Time
			r.FiredAt = &t
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}
