// Package gateway is the operation orchestrator. It resolves a user's saved
// adapter configuration into a live backend, enforces the storage quota on
// uploads and deletes, and writes exactly one operation record for every
// file operation it is asked to perform, successful or not.
//
// Credentials are decrypted per call and dropped when the call returns; the
// gateway never caches plaintext credentials or live adapters.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/audit"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/db/repositories"
	"github.com/datashelf/gateway/internal/telemetry"
)

// DefaultProbeTimeout bounds connectivity checks when Options leaves it unset.
const DefaultProbeTimeout = 10 * time.Second

// AdapterConfigStore persists adapter configurations.
type AdapterConfigStore interface {
	Create(ctx context.Context, cfg *models.AdapterConfig) error
	Get(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]*models.AdapterConfig, error)
	Count(ctx context.Context, ownerID uuid.UUID) (int, error)
	NameExists(ctx context.Context, ownerID uuid.UUID, name string, except uuid.UUID) (bool, error)
	Update(ctx context.Context, cfg *models.AdapterConfig) (bool, error)
	Delete(ctx context.Context, ownerID, id uuid.UUID) (bool, error)
	SetDefault(ctx context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error)
}

// AccountStore holds the per-user quota ledger.
type AccountStore interface {
	Ensure(ctx context.Context, id uuid.UUID, limit int64) error
	Get(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// Reserve adds n to storage_used only if the result stays within the limit
	Reserve(ctx context.Context, id uuid.UUID, n int64) (bool, error)
	// Release subtracts n, flooring at zero
	Release(ctx context.Context, id uuid.UUID, n int64) error
}

// OperationStore is the append-only operations log.
type OperationStore interface {
	Begin(ctx context.Context, op *models.FileOperation) error
	Finish(ctx context.Context, op *models.FileOperation) error
	List(ctx context.Context, filters repositories.OperationFilters, limit, offset int) ([]*models.FileOperation, int, error)
	CountSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
	CountByKind(ctx context.Context, ownerID uuid.UUID) (map[models.OperationKind]int, error)
}

// CredentialSealer encrypts and decrypts credential maps.
type CredentialSealer interface {
	SealCredentials(creds map[string]string) (string, error)
	OpenCredentials(envelope string) (map[string]string, error)
}

// Options wires a Gateway.
type Options struct {
	Configs    AdapterConfigStore
	Accounts   AccountStore
	Operations OperationStore
	Vault      CredentialSealer
	Registry   *adapter.Registry

	// Shipper receives every finalized record; nil disables shipping
	Shipper audit.Shipper

	ProbeTimeout time.Duration
	DefaultQuota int64
}

// Gateway orchestrates adapter configuration management and file operations.
type Gateway struct {
	configs      AdapterConfigStore
	accounts     AccountStore
	ops          OperationStore
	vault        CredentialSealer
	registry     *adapter.Registry
	shipper      audit.Shipper
	probeTimeout time.Duration
	defaultQuota int64
	now          func() time.Time

	// owners whose account row is known to exist
	provisioned sync.Map
}

// New creates a Gateway. A nil Registry falls back to the process-wide one.
func New(opts Options) *Gateway {
	reg := opts.Registry
	if reg == nil {
		reg = adapter.Default()
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Gateway{
		configs:      opts.Configs,
		accounts:     opts.Accounts,
		ops:          opts.Operations,
		vault:        opts.Vault,
		registry:     reg,
		shipper:      opts.Shipper,
		probeTimeout: timeout,
		defaultQuota: opts.DefaultQuota,
		now:          time.Now,
	}
}

// Registry returns the adapter catalog the gateway builds from.
func (g *Gateway) Registry() *adapter.Registry {
	return g.registry
}

// EnsureAccount provisions the quota ledger for ownerID on first use. After
// the first successful check per process it touches the database no more.
func (g *Gateway) EnsureAccount(ctx context.Context, ownerID uuid.UUID) error {
	if _, ok := g.provisioned.Load(ownerID); ok {
		return nil
	}
	acct, err := g.accounts.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	if acct == nil {
		if err := g.accounts.Ensure(ctx, ownerID, g.defaultQuota); err != nil {
			return err
		}
	}
	g.provisioned.Store(ownerID, struct{}{})
	return nil
}

// session is a live adapter opened for a single operation.
type session struct {
	cfg     *models.AdapterConfig
	adapter adapter.Adapter
	creds   adapter.Credentials
}

func (s *session) close() {
	if c, ok := s.adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close adapter", "adapter_id", s.cfg.ID, "error", err)
		}
	}
}

// open loads ownerID's configuration id and builds a live adapter from it.
// The returned credentials are only used for redacting error messages.
func (g *Gateway) open(ctx context.Context, ownerID, id uuid.UUID) (*session, error) {
	cfg, err := g.configs.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.IsActive {
		return nil, ErrAdapterNotFound
	}

	s, err := g.build(ctx, cfg)
	if err != nil {
		return &session{cfg: cfg}, err
	}
	return s, nil
}

// build decrypts cfg's credentials and instantiates its backend.
func (g *Gateway) build(ctx context.Context, cfg *models.AdapterConfig) (*session, error) {
	plain, err := g.vault.OpenCredentials(cfg.EncryptedCredentials)
	if err != nil {
		telemetry.VaultDecryptFailuresTotal.Inc()
		return nil, err
	}
	creds := adapter.Credentials(plain)

	settings, err := cfg.ConfigMap()
	if err != nil {
		return nil, err
	}

	a, err := g.registry.Create(ctx, cfg.BackendType, creds, settings)
	if err != nil {
		return nil, classify(err, creds)
	}
	return &session{cfg: cfg, adapter: a, creds: creds}, nil
}

// probe checks that a can reach its backend by listing the root.
func (g *Gateway) probe(ctx context.Context, backend string, a adapter.Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()

	_, err := a.ListFiles(ctx, "")
	result := "success"
	if err != nil {
		result = "failure"
	}
	telemetry.AdapterProbesTotal.WithLabelValues(backend, result).Inc()
	return err
}
