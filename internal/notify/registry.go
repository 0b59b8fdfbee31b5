// Package notify delivers trusted-circle alerts over external channels.
package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/aegis/internal/types"
)

// Handler delivers a message to a channel target, e.g. a telegram chat id.
type Handler func(target, message string) error

// Registry routes alerts to the appropriate delivery handler based on the
// target prefix (e.g. "telegram:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver finds the handler matching the target prefix and calls it with the
// remainder of the target. Returns an error if no handler matches.
func (r *Registry) Deliver(target, message string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(target, prefix) {
			return handler(strings.TrimPrefix(target, prefix), message)
		}
	}
	return fmt.Errorf("no delivery handler for target: %s", target)
}

// CircleNotifier adapts the registry to the executor's notifier interface:
// a circle's chat id becomes a "telegram:<id>" target.
type CircleNotifier struct {
	registry *Registry
}

// NewCircleNotifier wraps a registry for circle-alert delivery.
func NewCircleNotifier(registry *Registry) *CircleNotifier {
	return &CircleNotifier{registry: registry}
}

// SendCircleAlert delivers a circle alert through the registry.
func (n *CircleNotifier) SendCircleAlert(circle *types.TrustCircle, message string) error {
	target := fmt.Sprintf("telegram:%d", circle.ChatID)
	return n.registry.Deliver(target, message)
}
