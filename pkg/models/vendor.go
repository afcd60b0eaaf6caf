package models

import (
	"time"

	"github.com/google/uuid"
)

// Vendor is an approved document submitter. Vendors authenticate uploads
// with a bearer API key; only the bcrypt hash and a lookup prefix are
// stored.
type Vendor struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Email      string     `db:"email"        json:"email"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"-"`
	Approved   bool       `db:"approved"     json:"approved"`
	LastSeenAt *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
