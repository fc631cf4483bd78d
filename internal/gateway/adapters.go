package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/db/models"
)

const maxNameLength = 100

// CreateAdapterInput describes a new adapter configuration.
type CreateAdapterInput struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Credentials map[string]string `json:"credentials"`
	Config      map[string]any    `json:"config"`
	IsDefault   bool              `json:"isDefault"`
}

// UpdateAdapterInput is a partial update; nil fields are left unchanged.
// Credentials, when present, replace the stored set entirely.
type UpdateAdapterInput struct {
	Name        *string           `json:"name"`
	Credentials map[string]string `json:"credentials"`
	Config      map[string]any    `json:"config"`
	IsActive    *bool             `json:"isActive"`
	IsDefault   *bool             `json:"isDefault"`
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", invalid("name", "name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

// AdapterTypes returns the adapter catalog.
func (g *Gateway) AdapterTypes() []adapter.TypeInfo {
	return g.registry.Types()
}

// CreateAdapter validates, probes and stores a new configuration. Nothing is
// persisted unless the backend answered the probe.
func (g *Gateway) CreateAdapter(ctx context.Context, ownerID uuid.UUID, in CreateAdapterInput) (*models.AdapterConfig, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, invalid("type", "type is required")
	}
	creds := adapter.Credentials(in.Credentials)
	if err := g.checkAdapter(in.Type, creds, in.Config); err != nil {
		return nil, err
	}

	exists, err := g.configs.NameExists(ctx, ownerID, name, uuid.Nil)
	if err != nil {
		return nil, classify(err, creds)
	}
	if exists {
		return nil, duplicateName(name)
	}

	if err := g.testConnection(ctx, in.Type, creds, in.Config); err != nil {
		return nil, err
	}

	envelope, err := g.vault.SealCredentials(creds)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to encrypt credentials: %w", err), nil)
	}

	cfg := &models.AdapterConfig{
		ID:                   uuid.New(),
		OwnerID:              ownerID,
		DisplayName:          name,
		BackendType:          in.Type,
		EncryptedCredentials: envelope,
		IsActive:             true,
		IsDefault:            in.IsDefault,
	}
	if err := cfg.SetConfigMap(in.Config); err != nil {
		return nil, invalid("config", "%v", err)
	}
	if err := g.configs.Create(ctx, cfg); err != nil {
		return nil, classify(err, nil)
	}

	slog.Info("adapter configuration created",
		"adapter_id", cfg.ID, "owner_id", ownerID, "type", cfg.BackendType, "default", cfg.IsDefault)
	return cfg, nil
}

// checkAdapter validates type, credentials and config without contacting the backend.
func (g *Gateway) checkAdapter(typ string, creds adapter.Credentials, settings map[string]any) error {
	d, ok := g.registry.Lookup(typ)
	if !ok {
		return classify(&adapter.UnsupportedAdapterError{Type: typ, Reason: "unknown type"}, nil)
	}
	if !d.Implemented {
		return classify(&adapter.UnsupportedAdapterError{Type: typ, Reason: "not implemented"}, nil)
	}
	if err := g.registry.ValidateCredentials(typ, creds); err != nil {
		return classify(err, nil)
	}
	if err := g.registry.ValidateConfig(typ, settings); err != nil {
		return classify(err, creds)
	}
	return nil
}

// testConnection builds a throwaway adapter and probes it.
func (g *Gateway) testConnection(ctx context.Context, typ string, creds adapter.Credentials, settings map[string]any) error {
	a, err := g.registry.Create(ctx, typ, creds, settings)
	if err != nil {
		return classify(err, creds)
	}
	s := &session{cfg: &models.AdapterConfig{BackendType: typ}, adapter: a, creds: creds}
	defer s.close()
	return g.probeSession(ctx, s)
}

func (g *Gateway) probeSession(ctx context.Context, s *session) error {
	err := g.probe(ctx, s.cfg.BackendType, s.adapter)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("connection test timed out after %s: %w", g.probeTimeout, err)
	}
	if kind := KindOf(err); kind != KindConnectionFailure && kind != KindPartialMove {
		err = adapter.ConnectionFailure("connect", "", err)
	}
	return classify(err, s.creds)
}

func duplicateName(name string) error {
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("adapter with name %q already exists", name),
		Err:     ErrConflict,
	}
}

// GetAdapter returns one of ownerID's configurations.
func (g *Gateway) GetAdapter(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	cfg, err := g.configs.Get(ctx, ownerID, id)
	if err != nil {
		return nil, classify(err, nil)
	}
	if cfg == nil {
		return nil, classify(ErrAdapterNotFound, nil)
	}
	return cfg, nil
}

// ListAdapters returns ownerID's configurations, newest first.
func (g *Gateway) ListAdapters(ctx context.Context, ownerID uuid.UUID) ([]*models.AdapterConfig, error) {
	configs, err := g.configs.List(ctx, ownerID)
	if err != nil {
		return nil, classify(err, nil)
	}
	return configs, nil
}

// UpdateAdapter applies a partial update. New credentials or config are
// re-validated and the backend is probed again before anything is stored.
func (g *Gateway) UpdateAdapter(ctx context.Context, ownerID, id uuid.UUID, in UpdateAdapterInput) (*models.AdapterConfig, error) {
	cfg, err := g.GetAdapter(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name, err := validateName(*in.Name)
		if err != nil {
			return nil, err
		}
		if name != cfg.DisplayName {
			exists, err := g.configs.NameExists(ctx, ownerID, name, cfg.ID)
			if err != nil {
				return nil, classify(err, nil)
			}
			if exists {
				return nil, duplicateName(name)
			}
		}
		cfg.DisplayName = name
	}

	// Every mutation re-validates the credential set that will be stored;
	// only a credential or config change reconnects.
	settings, err := cfg.ConfigMap()
	if err != nil {
		return nil, classify(err, nil)
	}
	if in.Config != nil {
		settings = in.Config
	}
	var creds adapter.Credentials
	if in.Credentials != nil {
		creds = adapter.Credentials(in.Credentials)
	} else {
		plain, err := g.vault.OpenCredentials(cfg.EncryptedCredentials)
		if err != nil {
			return nil, classify(err, nil)
		}
		creds = adapter.Credentials(plain)
	}
	if err := g.checkAdapter(cfg.BackendType, creds, settings); err != nil {
		return nil, err
	}

	if in.Credentials != nil || in.Config != nil {
		if err := g.testConnection(ctx, cfg.BackendType, creds, settings); err != nil {
			return nil, err
		}
		if in.Credentials != nil {
			envelope, err := g.vault.SealCredentials(creds)
			if err != nil {
				return nil, classify(fmt.Errorf("failed to encrypt credentials: %w", err), nil)
			}
			cfg.EncryptedCredentials = envelope
		}
		if err := cfg.SetConfigMap(settings); err != nil {
			return nil, invalid("config", "%v", err)
		}
	}

	if in.IsActive != nil {
		cfg.IsActive = *in.IsActive
	}
	if in.IsDefault != nil {
		cfg.IsDefault = *in.IsDefault
	}

	found, err := g.configs.Update(ctx, cfg)
	if err != nil {
		return nil, classify(err, nil)
	}
	if !found {
		return nil, classify(ErrAdapterNotFound, nil)
	}

	slog.Info("adapter configuration updated",
		"adapter_id", cfg.ID, "owner_id", ownerID, "credentials_rotated", in.Credentials != nil)
	return cfg, nil
}

// DeleteAdapter removes a configuration. Its operation records are kept.
func (g *Gateway) DeleteAdapter(ctx context.Context, ownerID, id uuid.UUID) error {
	found, err := g.configs.Delete(ctx, ownerID, id)
	if err != nil {
		return classify(err, nil)
	}
	if !found {
		return classify(ErrAdapterNotFound, nil)
	}
	slog.Info("adapter configuration deleted", "adapter_id", id, "owner_id", ownerID)
	return nil
}

// TestAdapter probes a stored configuration.
func (g *Gateway) TestAdapter(ctx context.Context, ownerID, id uuid.UUID) error {
	cfg, err := g.GetAdapter(ctx, ownerID, id)
	if err != nil {
		return err
	}
	s, err := g.build(ctx, cfg)
	if err != nil {
		return classify(err, nil)
	}
	defer s.close()
	return g.probeSession(ctx, s)
}

// SetDefaultAdapter makes id the default for its backend type.
func (g *Gateway) SetDefaultAdapter(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	cfg, err := g.configs.SetDefault(ctx, ownerID, id)
	if err != nil {
		return nil, classify(err, nil)
	}
	if cfg == nil {
		return nil, classify(ErrAdapterNotFound, nil)
	}
	return cfg, nil
}
