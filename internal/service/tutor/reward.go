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

// XP required per level; levels start at 1.
const xpPerLevel = 100

// ApplyRewards appends a ledger entry for the XP award and bumps the
// profile's counters inside one transaction. The increments are performed
// in SQL so two concurrent relays never lose an update. current_level is
// assigned before total_xp so the expression sees the pre-update value on
// both sqlite and mysql.
func (s *Service) ApplyRewards(ctx context.Context, userID, referenceID string, xp, coins int64) error {
	if xp <= 0 && coins <= 0 {
		return nil
	}
	if userID == "" {
		return errors.New("user_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rewards tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if xp > 0 {
		var ref any
		if referenceID != "" {
			ref = referenceID
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO xp_transactions (id, user_id, amount, reason, reference_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), userID, xp, "Chat interaction", ref, now,
		); err != nil {
			return fmt.Errorf("insert xp transaction: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE profiles SET current_level = (total_xp + ?) / ? + 1, total_xp = total_xp + ?, updated_at = ? WHERE user_id = ?`,
			xp, int64(xpPerLevel), xp, now, userID,
		); err != nil {
			return fmt.Errorf("apply xp: %w", err)
		}
	}
	if coins > 0 {
		if _, err = tx.ExecContext(ctx,
			`UPDATE profiles SET coins = coins + ?, updated_at = ? WHERE user_id = ?`,
			coins, now, userID,
		); err != nil {
			return fmt.Errorf("apply coins: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rewards: %w", err)
	}

	s.invalidateProfile(ctx, userID)
	return nil
}

// ListXPTransactions returns the user's reward ledger, newest first.
func (s *Service) ListXPTransactions(ctx context.Context, userID string) ([]models.XPTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, reason, reference_id, created_at FROM xp_transactions WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list xp transactions: %w", err)
	}
	defer rows.Close()

	var entries []models.XPTransaction
	for rows.Next() {
		var e models.XPTransaction
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan xp transaction: %w", err)
		}
		if ref.Valid {
			e.ReferenceID = &ref.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
