package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/relaypoint/relaypoint/internal/core"
)

// Registry maps platforms to their adapters. It is built at startup and
// passed to whatever serves requests.
type Registry struct {
	mu       sync.RWMutex
	adapters map[core.Platform]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[core.Platform]Adapter)}
}

// Register adds adapter under its platform. Registering a platform twice is
// an error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is required")
	}
	platform := adapter.Platform()
	if platform == "" {
		return fmt.Errorf("adapter platform is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[platform]; exists {
		return fmt.Errorf("adapter already registered for %s", platform)
	}
	r.adapters[platform] = adapter
	return nil
}

// Get returns the adapter for platform.
func (r *Registry) Get(platform core.Platform) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platform]
	return adapter, ok
}

// Platforms lists registered platforms in name order.
func (r *Registry) Platforms() []core.Platform {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]core.Platform, 0, len(r.adapters))
	for platform := range r.adapters {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
