// Package models - account.go defines Account, the per-user quota ledger.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Account tracks how much storage a user has consumed through the gateway
type Account struct {
	ID           uuid.UUID `db:"id"`
	StorageUsed  int64     `db:"storage_used"`
	StorageLimit int64     `db:"storage_limit"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// StoragePercentage returns used/limit rounded to a whole percent.
func (a *Account) StoragePercentage() int {
	if a.StorageLimit <= 0 {
		return 0
	}
	return int((a.StorageUsed*100 + a.StorageLimit/2) / a.StorageLimit)
}
