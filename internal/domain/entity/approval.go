package entity

import "time"

// ApprovalToken is a single-use, payload-bound, time-limited capability.
// Possession of a valid operation id is the only credential required to
// execute the gated action exactly once. Expiry is computed at redemption
// time, never materialized as a stored state.
type ApprovalToken struct {
	OperationID string     `json:"operation_id"`
	Action      string     `json:"action"`
	PayloadHash string     `json:"payload_hash"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Consumed reports whether the token has already been redeemed.
func (t *ApprovalToken) Consumed() bool {
	return t.ApprovedAt != nil
}

// Expired reports whether the token is past its TTL at the given instant.
func (t *ApprovalToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
