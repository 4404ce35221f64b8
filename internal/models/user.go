package models

import (
	"time"

	"gavel/internal/utils"
)

// User represents a marketplace account. Admins are ordinary users with
// the IsAdmin flag set; the approval endpoints require it.
type User struct {
	ID           utils.SixID `bson:"_id,omitempty" json:"id,omitempty"`
	Name         string      `bson:"name" json:"name"`
	Email        string      `bson:"email" json:"email"`
	PasswordHash string      `bson:"password" json:"-"` // Store hash, not plaintext
	Contact      string      `bson:"contact" json:"contact"`
	Address      string      `bson:"address" json:"address"`
	IsAdmin      bool        `bson:"is_admin" json:"is_admin"`
	CreatedAt    time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `bson:"updated_at" json:"updated_at"`
}
