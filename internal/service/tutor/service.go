package tutor

import (
	"database/sql"

	"tutorgo/internal/redis"
)

// Service provides database operations for conversations, messages,
// profiles, rewards, and reminders. The cache client is optional; when
// present it fronts profile reads.
type Service struct {
	db    *sql.DB
	cache *redis.Client
}

// NewService constructs a tutor service over the given database handle.
func NewService(db *sql.DB, cache *redis.Client) *Service {
	return &Service{db: db, cache: cache}
}

// DB exposes the underlying handle for tests.
func (s *Service) DB() *sql.DB {
	return s.db
}
