package repositories

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateName is returned when an owner already has an adapter with the same display name
	ErrDuplicateName = errors.New("adapter with this name already exists")
	// ErrDefaultConflict is returned when a concurrent writer won the default slot
	ErrDefaultConflict = errors.New("another adapter of this type became the default concurrently")
	// ErrNotPending is returned when finalizing an operation record twice
	ErrNotPending = errors.New("operation record is already finalized")
)

const pgUniqueViolation = "23505"

// mapUniqueViolation translates constraint violations on adapter_configs.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != pgUniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "adapter_configs_owner_name_unique":
		return ErrDuplicateName
	case "adapter_configs_one_default":
		return ErrDefaultConflict
	}
	return err
}
