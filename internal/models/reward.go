package models

import "time"

// XPTransaction is an append-only ledger entry recording one XP award.
// ReferenceID points at the user message that triggered the award.
type XPTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ReferenceID *string   `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}
