package models

import "time"

// Reminder is a user-scheduled notification. Recurring reminders carry a
// cron expression in RecurrenceRule and are re-armed after each firing;
// one-shot reminders get FiredAt set instead.
type Reminder struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	RemindAt       time.Time  `json:"remind_at"`
	IsRecurring    bool       `json:"is_recurring"`
	RecurrenceRule string     `json:"recurrence_rule"`
	FiredAt        *time.Time `json:"fired_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
