package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"tutorgo/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS profiles (
				user_id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL DEFAULT '',
				tutor_name TEXT NOT NULL DEFAULT '',
				tutor_gender TEXT NOT NULL DEFAULT '',
				tutor_avatar_url TEXT NOT NULL DEFAULT '',
				total_xp INTEGER NOT NULL DEFAULT 0,
				coins INTEGER NOT NULL DEFAULT 0,
				current_level INTEGER NOT NULL DEFAULT 1,
				streak_days INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				user_id TEXT NOT NULL,
				sender TEXT NOT NULL,
				content TEXT NOT NULL,
				message_type TEXT NOT NULL,
				file_url TEXT,
				file_type TEXT,
				file_size INTEGER,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id)`,
			`CREATE TABLE IF NOT EXISTS xp_transactions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				amount INTEGER NOT NULL,
				reason TEXT NOT NULL,
				reference_id TEXT,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_xp_transactions_user ON xp_transactions(user_id)`,
			`CREATE TABLE IF NOT EXISTS reminders (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				remind_at DATETIME NOT NULL,
				is_recurring INTEGER NOT NULL DEFAULT 0,
				recurrence_rule TEXT NOT NULL DEFAULT '',
				fired_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(remind_at)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS profiles (
				user_id VARCHAR(64) NOT NULL,
				display_name VARCHAR(255) NOT NULL DEFAULT '',
				tutor_name VARCHAR(255) NOT NULL DEFAULT '',
				tutor_gender VARCHAR(50) NOT NULL DEFAULT '',
				tutor_avatar_url TEXT NOT NULL,
				total_xp BIGINT NOT NULL DEFAULT 0,
				coins BIGINT NOT NULL DEFAULT 0,
				current_level BIGINT NOT NULL DEFAULT 1,
				streak_days BIGINT NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (user_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS conversations (
				id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				title VARCHAR(255) NOT NULL,
				subject VARCHAR(255) NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_conversations_user (user_id),
				INDEX idx_conversations_updated_at (updated_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(64) NOT NULL,
				conversation_id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				sender VARCHAR(20) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				message_type VARCHAR(20) NOT NULL,
				file_url TEXT,
				file_type VARCHAR(255),
				file_size BIGINT,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_conversation (conversation_id, created_at),
				INDEX idx_messages_user (user_id),
				CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS xp_transactions (
				id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				amount BIGINT NOT NULL,
				reason VARCHAR(255) NOT NULL,
				reference_id VARCHAR(64),
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_xp_transactions_user (user_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS reminders (
				id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				title VARCHAR(255) NOT NULL,
				description TEXT NOT NULL,
				remind_at DATETIME NOT NULL,
				is_recurring TINYINT(1) NOT NULL DEFAULT 0,
				recurrence_rule VARCHAR(255) NOT NULL DEFAULT '',
				fired_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_reminders_user (user_id),
				INDEX idx_reminders_due (remind_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				PRIMARY KEY (token),
				INDEX idx_user_tokens_user (user_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
