// Package sessionstore persists relay session identities so a new primary can
// hand an orphaned identity back to a relay started in the same directory.
package sessionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

// State is the lifecycle position of a session record.
type State string

const (
	StateActive    State = "active"
	StateOrphaned  State = "orphaned"
	StateRecovered State = "recovered"
	// StateExpired is never stored: expiry deletes the row.
	StateExpired State = "expired"
)

// Record is one relay session identity.
type Record struct {
	SessionKey     string    `gorm:"primaryKey;size:64" json:"sessionKey"`
	Label          string    `gorm:"size:256" json:"label"`
	Fingerprint    string    `gorm:"size:64;index;not null" json:"fingerprint"`
	OwnerPID       int       `gorm:"column:owner_pid;not null" json:"ownerPid"`
	State          State     `gorm:"size:16;index;not null;default:active" json:"state"`
	LastActivityAt time.Time `gorm:"index" json:"lastActivityAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TableName keeps the table name stable regardless of the struct name.
func (Record) TableName() string {
	return "relay_sessions"
}

// Live reports whether the record is held by a running relay.
func (r *Record) Live() bool {
	return r.State == StateActive || r.State == StateRecovered
}

// Fingerprint derives the working-directory fingerprint used to match a new
// relay against orphaned records. Symlinks are resolved when possible so two
// spellings of the same directory match.
func Fingerprint(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return hex.EncodeToString(sum[:16])
}
