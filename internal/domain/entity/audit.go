package entity

import "time"

// Actor identifies who triggered a mutation and over which channel.
type Actor struct {
	Actor   string `json:"actor"`
	Channel string `json:"channel"`
}

// AuditEvent records one successful mutating ledger operation together with
// the exact payload that was persisted.
type AuditEvent struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Payload   string    `json:"payload"`
	Actor     string    `json:"actor"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
}
