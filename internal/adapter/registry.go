package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Constructor builds a live adapter from decrypted credentials and the
// configuration's free-form settings.
type Constructor func(ctx context.Context, creds Credentials, cfg map[string]any) (Adapter, error)

// Descriptor is one catalog entry.
type Descriptor struct {
	Type                string
	Label               string
	Description         string
	RequiredCredentials []string
	Implemented         bool
	// ConfigSchema is an optional JSON schema for the free-form config map
	ConfigSchema string
	New          Constructor
}

// TypeInfo is the public view of a Descriptor.
type TypeInfo struct {
	Type                string   `json:"type"`
	Name                string   `json:"name"`
	Description         string   `json:"description"`
	RequiredCredentials []string `json:"requiredCredentials"`
	Implemented         bool     `json:"implemented"`
}

type entry struct {
	Descriptor
	schema *gojsonschema.Schema
}

// Registry maps backend type tags to descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds d to the catalog. Re-registering a type is an error.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("adapter: descriptor has no type")
	}
	if d.Implemented && d.New == nil {
		return fmt.Errorf("adapter: %s is marked implemented but has no constructor", d.Type)
	}

	e := entry{Descriptor: d}
	if d.ConfigSchema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(d.ConfigSchema))
		if err != nil {
			return fmt.Errorf("adapter: invalid config schema for %s: %w", d.Type, err)
		}
		e.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Type]; exists {
		return fmt.Errorf("adapter: type %s already registered", d.Type)
	}
	r.entries[d.Type] = e
	return nil
}

// Lookup returns the descriptor for typ.
func (r *Registry) Lookup(typ string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typ]
	return e.Descriptor, ok
}

// Types returns the catalog sorted by type tag.
func (r *Registry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TypeInfo, 0, len(r.entries))
	for _, e := range r.entries {
		required := append([]string(nil), e.RequiredCredentials...)
		if required == nil {
			required = []string{}
		}
		out = append(out, TypeInfo{
			Type:                e.Type,
			Name:                e.Label,
			Description:         e.Description,
			RequiredCredentials: required,
			Implemented:         e.Implemented,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ValidateCredentials checks that every required field for typ is present
// and non-empty, reporting all missing fields at once.
func (r *Registry) ValidateCredentials(typ string, creds Credentials) error {
	d, ok := r.Lookup(typ)
	if !ok {
		return &UnsupportedAdapterError{Type: typ, Reason: "unknown type"}
	}

	var missing []string
	for _, field := range d.RequiredCredentials {
		if creds[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &MissingCredentialError{Type: typ, Fields: missing}
	}
	return nil
}

// ValidateConfig checks cfg against the type's schema, if it has one.
func (r *Registry) ValidateConfig(typ string, cfg map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[typ]
	r.mu.RUnlock()
	if !ok {
		return &UnsupportedAdapterError{Type: typ, Reason: "unknown type"}
	}
	if e.schema == nil {
		return nil
	}
	if cfg == nil {
		cfg = map[string]any{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return &ConfigError{Type: typ, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return &ConfigError{Type: typ, Problems: problems}
	}
	return nil
}

// Create instantiates an adapter for typ.
func (r *Registry) Create(ctx context.Context, typ string, creds Credentials, cfg map[string]any) (Adapter, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return nil, &UnsupportedAdapterError{Type: typ, Reason: "unknown type"}
	}
	if !d.Implemented {
		return nil, &UnsupportedAdapterError{Type: typ, Reason: "not implemented"}
	}
	if err := r.ValidateCredentials(typ, creds); err != nil {
		return nil, err
	}
	return d.New(ctx, creds, cfg)
}

var defaultRegistry = NewRegistry()

// Register adds d to the process-wide registry. It panics on conflict, which
// only happens when two packages claim the same type tag.
func Register(d Descriptor) {
	if err := defaultRegistry.Register(d); err != nil {
		panic(err)
	}
}

// Default returns the process-wide registry populated by init() functions.
func Default() *Registry {
	return defaultRegistry
}

// FTP is catalogued so clients can offer it, but no implementation ships yet.
func init() {
	Register(Descriptor{
		Type:                "ftp",
		Label:               "FTP Server",
		Description:         "Connect to an FTP server",
		RequiredCredentials: []string{"host", "port", "username", "password"},
		Implemented:         false,
	})
}
