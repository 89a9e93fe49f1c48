// Package httpreg holds named HTTP clients with distinct timeout
// profiles. Provider adapters receive clients by name at construction
// instead of building their own, so timeouts are set in one place.
package httpreg

import (
	"net/http"
	"sync"
	"time"
)

// Standard profile names.
const (
	ProfileDefault = "default" // General API calls
	ProfileCheck   = "check"   // Availability probes
	ProfileBulk    = "bulk"    // Large historical downloads
)

// Default timeouts per profile.
const (
	DefaultTimeout = 30 * time.Second
	CheckTimeout   = 15 * time.Second
	BulkTimeout    = 60 * time.Second
)

// Registry maps profile names to shared *http.Client instances.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*http.Client
}

// NewRegistry creates a registry pre-populated with the standard
// profiles.
func NewRegistry() *Registry {
	return &Registry{
		clients: map[string]*http.Client{
			ProfileDefault: {Timeout: DefaultTimeout},
			ProfileCheck:   {Timeout: CheckTimeout},
			ProfileBulk:    {Timeout: BulkTimeout},
		},
	}
}

// Register adds or replaces a named client.
func (r *Registry) Register(name string, client *http.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// Get returns the named client, falling back to the default profile
// for unknown names so callers always get a usable client.
func (r *Registry) Get(name string) *http.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clients[name]; ok {
		return c
	}
	return r.clients[ProfileDefault]
}

// Names returns the registered profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
