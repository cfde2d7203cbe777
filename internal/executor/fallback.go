package executor

import (
	"context"
	"sync"

	"github.com/hikaeru-ai/nagare/internal/model"
)

// Provider supplies a substitute result for a task whose operation has
// exhausted its retries. Providers are registered per task type.
type Provider interface {
	Fallback(ctx context.Context, task model.Task, cause error) (any, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, task model.Task, cause error) (any, error)

func (f ProviderFunc) Fallback(ctx context.Context, task model.Task, cause error) (any, error) {
	return f(ctx, task, cause)
}

// ProviderRegistry maps task types to fallback providers.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register installs the provider for a task type, replacing any previous one.
func (r *ProviderRegistry) Register(taskType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[taskType] = p
}

// Lookup returns the provider for a task type, if any.
func (r *ProviderRegistry) Lookup(taskType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[taskType]
	return p, ok
}
