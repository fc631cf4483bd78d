package gateway

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/audit"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/db/repositories"
	"github.com/datashelf/gateway/internal/vault"
)

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

type memConfigs struct {
	mu      sync.Mutex
	configs map[uuid.UUID]*models.AdapterConfig
}

func newMemConfigs() *memConfigs {
	return &memConfigs{configs: make(map[uuid.UUID]*models.AdapterConfig)}
}

func (m *memConfigs) clearDefault(cfg *models.AdapterConfig) {
	for _, other := range m.configs {
		if other.ID != cfg.ID && other.OwnerID == cfg.OwnerID && other.BackendType == cfg.BackendType {
			other.IsDefault = false
		}
	}
}

func (m *memConfigs) Create(_ context.Context, cfg *models.AdapterConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.configs {
		if other.OwnerID == cfg.OwnerID && other.DisplayName == cfg.DisplayName {
			return repositories.ErrDuplicateName
		}
	}
	if cfg.IsDefault {
		m.clearDefault(cfg)
	}
	cfg.CreatedAt = time.Now()
	cfg.UpdatedAt = cfg.CreatedAt
	cp := *cfg
	m.configs[cfg.ID] = &cp
	return nil
}

func (m *memConfigs) Get(_ context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok || cfg.OwnerID != ownerID {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (m *memConfigs) List(_ context.Context, ownerID uuid.UUID) ([]*models.AdapterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AdapterConfig, 0)
	for _, cfg := range m.configs {
		if cfg.OwnerID == ownerID {
			cp := *cfg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memConfigs) Count(ctx context.Context, ownerID uuid.UUID) (int, error) {
	list, _ := m.List(ctx, ownerID)
	return len(list), nil
}

func (m *memConfigs) NameExists(_ context.Context, ownerID uuid.UUID, name string, except uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.OwnerID == ownerID && cfg.DisplayName == name && cfg.ID != except {
			return true, nil
		}
	}
	return false, nil
}

func (m *memConfigs) Update(_ context.Context, cfg *models.AdapterConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.configs[cfg.ID]
	if !ok || existing.OwnerID != cfg.OwnerID {
		return false, nil
	}
	if cfg.IsDefault {
		m.clearDefault(cfg)
	}
	cfg.UpdatedAt = time.Now()
	cp := *cfg
	m.configs[cfg.ID] = &cp
	return true, nil
}

func (m *memConfigs) Delete(_ context.Context, ownerID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok || cfg.OwnerID != ownerID {
		return false, nil
	}
	delete(m.configs, id)
	return true, nil
}

func (m *memConfigs) SetDefault(_ context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok || cfg.OwnerID != ownerID {
		return nil, nil
	}
	m.clearDefault(cfg)
	cfg.IsDefault = true
	cp := *cfg
	return &cp, nil
}

func (m *memConfigs) defaults(ownerID uuid.UUID, backendType string) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, cfg := range m.configs {
		if cfg.OwnerID == ownerID && cfg.BackendType == backendType && cfg.IsDefault {
			ids = append(ids, cfg.ID)
		}
	}
	return ids
}

type memAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	ensures  int
	gets     int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: make(map[uuid.UUID]*models.Account)}
}

func (m *memAccounts) Ensure(_ context.Context, id uuid.UUID, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	if _, ok := m.accounts[id]; !ok {
		m.accounts[id] = &models.Account{ID: id, StorageLimit: limit}
	}
	return nil
}

func (m *memAccounts) Get(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	acct, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *acct
	return &cp, nil
}

func (m *memAccounts) Reserve(_ context.Context, id uuid.UUID, n int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok || acct.StorageUsed+n > acct.StorageLimit {
		return false, nil
	}
	acct.StorageUsed += n
	return true, nil
}

func (m *memAccounts) Release(_ context.Context, id uuid.UUID, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[id]; ok {
		acct.StorageUsed = max(acct.StorageUsed-n, 0)
	}
	return nil
}

func (m *memAccounts) used(id uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].StorageUsed
}

type memOps struct {
	mu      sync.Mutex
	records []*models.FileOperation
	configs *memConfigs
}

func (m *memOps) Begin(_ context.Context, op *models.FileOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op.Status = models.StatusPending
	op.CreatedAt = time.Now().Add(time.Duration(len(m.records)) * time.Millisecond)
	cp := *op
	m.records = append(m.records, &cp)
	return nil
}

func (m *memOps) Finish(_ context.Context, op *models.FileOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID != op.ID {
			continue
		}
		if rec.Status != models.StatusPending {
			return repositories.ErrNotPending
		}
		rec.Status = op.Status
		rec.ErrorKind = op.ErrorKind
		rec.ErrorDetail = op.ErrorDetail
		if op.FileSize.Valid {
			rec.FileSize = op.FileSize
		}
		rec.CompletedAt.Time, rec.CompletedAt.Valid = time.Now(), true
		op.CompletedAt = rec.CompletedAt
		return nil
	}
	return repositories.ErrNotPending
}

func (m *memOps) List(ctx context.Context, f repositories.OperationFilters, limit, offset int) ([]*models.FileOperation, int, error) {
	m.mu.Lock()
	var matched []*models.FileOperation
	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if rec.OwnerID != f.OwnerID {
			continue
		}
		if f.AdapterConfigID != nil && rec.AdapterConfigID != *f.AdapterConfigID {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}
	m.mu.Unlock()

	for _, rec := range matched {
		cfg, _ := m.configs.Get(ctx, rec.OwnerID, rec.AdapterConfigID)
		rec.AdapterDeleted = cfg == nil
		if cfg != nil {
			rec.AdapterName.String, rec.AdapterName.Valid = cfg.DisplayName, true
		}
	}

	total := len(matched)
	if offset >= total {
		return []*models.FileOperation{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (m *memOps) CountSince(_ context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.OwnerID == ownerID && !rec.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memOps) CountByKind(_ context.Context, ownerID uuid.UUID) (map[models.OperationKind]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.OperationKind]int)
	for _, rec := range m.records {
		if rec.OwnerID == ownerID {
			out[rec.Operation]++
		}
	}
	return out, nil
}

func (m *memOps) all() []*models.FileOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.FileOperation, len(m.records))
	for i, rec := range m.records {
		cp := *rec
		out[i] = &cp
	}
	return out
}

// ---------------------------------------------------------------------------
// In-memory backend
// ---------------------------------------------------------------------------

// memBackend is shared by every adapter the "memory" constructor builds, so
// state survives the per-operation adapter lifecycle.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   map[string]int
	closed  int

	failDelete bool
	failAll    error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte), calls: make(map[string]int)}
}

func (b *memBackend) record(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	return b.failAll
}

func (b *memBackend) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *memBackend) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

func (b *memBackend) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

type memAdapter struct {
	b *memBackend
}

func (a *memAdapter) Close() error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.closed++
	return nil
}

func (a *memAdapter) ListFiles(_ context.Context, prefix string) (*adapter.Listing, error) {
	if err := a.b.record("list"); err != nil {
		return nil, err
	}
	p, err := adapter.CleanPrefix("list", prefix)
	if err != nil {
		return nil, err
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	objs := make([]adapter.Object, 0, len(a.b.objects))
	for k, v := range a.b.objects {
		if strings.HasPrefix(k, p) {
			objs = append(objs, adapter.Object{Key: k, Size: int64(len(v))})
		}
	}
	return adapter.GroupKeys(p, objs, nil), nil
}

func (a *memAdapter) UploadFile(_ context.Context, path string, content io.Reader, meta adapter.Metadata) (*adapter.UploadReceipt, error) {
	if err := a.b.record("upload"); err != nil {
		return nil, err
	}
	key, err := adapter.CleanKey("upload", path)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	a.b.put(key, data)
	return &adapter.UploadReceipt{Path: key, Size: int64(len(data)), ContentType: meta.ContentType}, nil
}

func (a *memAdapter) DownloadFile(_ context.Context, path string) (*adapter.Download, error) {
	if err := a.b.record("download"); err != nil {
		return nil, err
	}
	a.b.mu.Lock()
	data, ok := a.b.objects[path]
	a.b.mu.Unlock()
	if !ok {
		return nil, adapter.NotFound("download", path)
	}
	return &adapter.Download{
		Body: io.NopCloser(bytes.NewReader(data)),
		Info: adapter.FileInfo{Name: adapter.BaseName(path), Path: path, Size: int64(len(data))},
	}, nil
}

func (a *memAdapter) DeleteFile(_ context.Context, path string) error {
	if err := a.b.record("delete"); err != nil {
		return err
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	delete(a.b.objects, path)
	return nil
}

func (a *memAdapter) CreateFolder(_ context.Context, path string) error {
	if err := a.b.record("folder"); err != nil {
		return err
	}
	key, err := adapter.FolderKey("folder", path)
	if err != nil {
		return err
	}
	a.b.put(key, nil)
	return nil
}

func (a *memAdapter) GetFileInfo(_ context.Context, path string) (*adapter.FileInfo, error) {
	if err := a.b.record("info"); err != nil {
		return nil, err
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	data, ok := a.b.objects[path]
	if !ok {
		return nil, adapter.NotFound("info", path)
	}
	return &adapter.FileInfo{Name: adapter.BaseName(path), Path: path, Size: int64(len(data))}, nil
}

func (a *memAdapter) CopyFile(_ context.Context, src, dst string) error {
	if err := a.b.record("copy"); err != nil {
		return err
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	data, ok := a.b.objects[src]
	if !ok {
		return adapter.NotFound("copy", src)
	}
	a.b.objects[dst] = data
	return nil
}

func (a *memAdapter) MoveFile(ctx context.Context, src, dst string) error {
	if err := a.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if a.b.failDelete {
		return &adapter.PartialMoveError{Source: src, Destination: dst, Err: adapter.ConnectionFailure("delete", src, nil)}
	}
	delete(a.b.objects, src)
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type recordingShipper struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (r *recordingShipper) Ship(_ context.Context, rec *audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingShipper) Close() error { return nil }

func (r *recordingShipper) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type harness struct {
	gw       *Gateway
	configs  *memConfigs
	accounts *memAccounts
	ops      *memOps
	backend  *memBackend
	shipper  *recordingShipper
	vault    *vault.Vault
	owner    uuid.UUID
}

var memoryCredentials = []string{"token", "bucket", "region"}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	backend := newMemBackend()
	reg := adapter.NewRegistry()
	if err := reg.Register(adapter.Descriptor{
		Type:                "memory",
		Label:               "In-memory store",
		RequiredCredentials: memoryCredentials,
		Implemented:         true,
		ConfigSchema:        `{"type":"object","properties":{"endpoint":{"type":"string"}},"additionalProperties":false}`,
		New: func(_ context.Context, _ adapter.Credentials, _ map[string]any) (adapter.Adapter, error) {
			return &memAdapter{b: backend}, nil
		},
	}); err != nil {
		t.Fatalf("Register memory: %v", err)
	}
	if err := reg.Register(adapter.Descriptor{
		Type:                "ftp",
		Label:               "FTP Server",
		RequiredCredentials: []string{"host", "port", "username", "password"},
	}); err != nil {
		t.Fatalf("Register ftp: %v", err)
	}

	configs := newMemConfigs()
	h := &harness{
		configs:  configs,
		accounts: newMemAccounts(),
		ops:      &memOps{configs: configs},
		backend:  backend,
		shipper:  &recordingShipper{},
		vault:    v,
		owner:    uuid.New(),
	}
	h.gw = New(Options{
		Configs:      h.configs,
		Accounts:     h.accounts,
		Operations:   h.ops,
		Vault:        v,
		Registry:     reg,
		Shipper:      h.shipper,
		ProbeTimeout: time.Second,
		DefaultQuota: 1000,
	})
	if err := h.gw.EnsureAccount(context.Background(), h.owner); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return h
}

func validCreds() map[string]string {
	return map[string]string{"token": "s3cr3t-token-value", "bucket": "files", "region": "eu-west-1"}
}

// addAdapter creates an active memory adapter owned by h.owner.
func (h *harness) addAdapter(t *testing.T, name string) uuid.UUID {
	t.Helper()
	cfg, err := h.gw.CreateAdapter(context.Background(), h.owner, CreateAdapterInput{
		Name:        name,
		Type:        "memory",
		Credentials: validCreds(),
	})
	if err != nil {
		t.Fatalf("CreateAdapter(%s): %v", name, err)
	}
	return cfg.ID
}

func (h *harness) caller(adapterID uuid.UUID) Caller {
	return Caller{OwnerID: h.owner, AdapterID: adapterID, RequestID: "req-1"}
}

func (h *harness) setUsage(used, limit int64) {
	h.accounts.mu.Lock()
	defer h.accounts.mu.Unlock()
	acct := h.accounts.accounts[h.owner]
	acct.StorageUsed, acct.StorageLimit = used, limit
}
