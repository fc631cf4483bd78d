// Package models - adapter_config.go defines AdapterConfig, a user's saved
// connection to one storage backend. Credentials are held only as a vault
// envelope and never leave the server.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// AdapterConfig is one configured backend owned by an account
type AdapterConfig struct {
	ID                   uuid.UUID      `db:"id"`
	OwnerID              uuid.UUID      `db:"owner_id"`
	DisplayName          string         `db:"display_name"`
	BackendType          string         `db:"backend_type"`
	EncryptedCredentials string         `db:"encrypted_credentials"` // vault envelope
	Config               types.JSONText `db:"config"`
	IsActive             bool           `db:"is_active"`
	IsDefault            bool           `db:"is_default"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// ConfigMap decodes the free-form config column.
func (a *AdapterConfig) ConfigMap() (map[string]any, error) {
	out := map[string]any{}
	if len(a.Config) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(a.Config, &out); err != nil {
		return nil, fmt.Errorf("invalid adapter config JSON: %w", err)
	}
	return out, nil
}

// SetConfigMap encodes cfg into the config column.
func (a *AdapterConfig) SetConfigMap(cfg map[string]any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode adapter config: %w", err)
	}
	a.Config = types.JSONText(raw)
	return nil
}

// AdapterConfigResponse is the client-facing view; it has no credential field
type AdapterConfigResponse struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config"`
	IsActive  bool           `json:"isActive"`
	IsDefault bool           `json:"isDefault"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ToResponse converts to the client-facing view.
func (a *AdapterConfig) ToResponse() AdapterConfigResponse {
	cfg, err := a.ConfigMap()
	if err != nil {
		cfg = map[string]any{}
	}
	return AdapterConfigResponse{
		ID:        a.ID,
		Name:      a.DisplayName,
		Type:      a.BackendType,
		Config:    cfg,
		IsActive:  a.IsActive,
		IsDefault: a.IsDefault,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}
