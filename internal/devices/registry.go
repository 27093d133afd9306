package devices

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openbmc-project/fwupdated/internal/model"
)

// builders is the global domain -> Builder table, populated by each device
// family package's init(), mirroring the teacher's RegisterBuilder/
// lookupBuilder pattern generalized from capability-keyed to domain-keyed.
var (
	buildersMu sync.Mutex
	builders   = map[model.Domain]Builder{}
)

// RegisterBuilder installs the Builder for domain. Panics on duplicate
// registration, matching the teacher's fail-fast-at-init-time contract.
func RegisterBuilder(domain model.Domain, b Builder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if _, exists := builders[domain]; exists {
		panic(fmt.Sprintf("devices: duplicate builder registered for domain %q", domain))
	}
	builders[domain] = b
}

func lookupBuilder(domain model.Domain) (Builder, bool) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	b, ok := builders[domain]
	return b, ok
}

// Registry maps a configured object path to its live Entry. Built once at
// startup; a config whose builder fails is logged and skipped (spec §7
// FatalSetupError: "device absent from registry; startup continues").
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Build constructs a Driver for every config via its domain's registered
// Builder, skipping (and logging) any that fail.
func Build(configs []model.SoftwareConfig, log zerolog.Logger) *Registry {
	r := NewRegistry()
	for _, cfg := range configs {
		builder, ok := lookupBuilder(cfg.ConfigType)
		if !ok {
			log.Error().Str("object_path", cfg.ObjectPath).Str("domain", string(cfg.ConfigType)).
				Msg("no builder registered for domain")
			continue
		}
		drv, err := builder(cfg)
		if err != nil {
			log.Error().Err(err).Str("object_path", cfg.ObjectPath).Msg("device setup failed, excluding from registry")
			continue
		}
		r.entries[cfg.ObjectPath] = &Entry{
			Device: &model.Device{Config: cfg},
			Driver: drv,
		}
	}
	return r
}

// Put inserts or replaces the live Entry at objectPath directly, bypassing
// a registered Builder. Exercised by tests that need a fake Driver wired in
// without a real device family's init-time registration.
func (r *Registry) Put(objectPath string, e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[objectPath] = e
}

// Get returns the entry for an object path.
func (r *Registry) Get(objectPath string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[objectPath]
	return e, ok
}

// All returns every registered entry, for enumeration by domain.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ForDomain returns every entry whose config belongs to domain.
func (r *Registry) ForDomain(domain model.Domain) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.Device.Config.ConfigType == domain {
			out = append(out, e)
		}
	}
	return out
}

// TryBeginUpdate atomically checks and sets the device's in-progress flag,
// enforcing "d.in_progress ⇒ no new startUpdate succeeds for d" (spec §8).
func (r *Registry) TryBeginUpdate(objectPath string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[objectPath]
	if !ok || e.Device.InProgress {
		return nil, false
	}
	e.Device.InProgress = true
	return e, true
}

// EndUpdate clears the in-progress flag on every terminal path.
func (r *Registry) EndUpdate(objectPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[objectPath]; ok {
		e.Device.InProgress = false
	}
}
