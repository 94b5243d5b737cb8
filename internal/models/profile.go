package models

import "time"

// Profile holds per-user display and gamification state, keyed 1:1 to the
// auth provider's user id.
type Profile struct {
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	TutorName      string    `json:"tutor_name"`
	TutorGender    string    `json:"tutor_gender"`
	TutorAvatarURL string    `json:"tutor_avatar_url"`
	TotalXP        int64     `json:"total_xp"`
	Coins          int64     `json:"coins"`
	CurrentLevel   int64     `json:"current_level"`
	StreakDays     int64     `json:"streak_days"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
