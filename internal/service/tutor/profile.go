package tutor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tutorgo/internal/models"
)

const (
	profileCachePrefix = "profile:"
	profileCacheTTL    = 5 * time.Minute
)

// GetProfile loads the profile for a user, serving from the cache when
// possible. Returns sql.ErrNoRows when the profile is not provisioned.
func (s *Service) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, profileCachePrefix+userID); err == nil && raw != "" {
			var p models.Profile
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return &p, nil
			}
		}
	}

	var p models.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, tutor_name, tutor_gender, tutor_avatar_url, total_xp, coins, current_level, streak_days, created_at, updated_at
		 FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&p.UserID, &p.DisplayName, &p.TutorName, &p.TutorGender, &p.TutorAvatarURL,
		&p.TotalXP, &p.Coins, &p.CurrentLevel, &p.StreakDays, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(&p); err == nil {
			_ = s.cache.Set(ctx, profileCachePrefix+userID, raw, profileCacheTTL)
		}
	}
	return &p, nil
}

// CreateProfile provisions a fresh profile row for the user.
func (s *Service) CreateProfile(ctx context.Context, userID, displayName string) (*models.Profile, error) {
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	p := &models.Profile{
		UserID:       userID,
		DisplayName:  displayName,
		CurrentLevel: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, display_name, tutor_name, tutor_gender, tutor_avatar_url, total_xp, coins, current_level, streak_days, created_at, updated_at)
		 VALUES (?, ?, '', '', '', 0, 0, 1, 0, ?, ?)`,
		p.UserID, p.DisplayName, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

// UpdateTutorSettings changes the tutor personalization fields.
func (s *Service) UpdateTutorSettings(ctx context.Context, userID, tutorName, tutorGender, tutorAvatarURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET tutor_name = ?, tutor_gender = ?, tutor_avatar_url = ?, updated_at = ? WHERE user_id = ?`,
		tutorName, tutorGender, tutorAvatarURL, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update tutor settings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tutor settings rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidateProfile(ctx, userID)
	return nil
}

func (s *Service) invalidateProfile(ctx context.Context, userID string) {
	if s.cache != nil {
		_ = s.cache.Del(ctx, profileCachePrefix+userID)
	}
}
