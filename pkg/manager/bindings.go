package manager

import (
	"sync"

	"pluginhost/pkg/models"
	"pluginhost/pkg/transport"
)

type bindingKey struct {
	id   string
	kind models.CapabilityKind
}

// bindingTable routes (plugin id, capability kind) to a live transport. It is
// written only by control loops and read by every dispatching request.
type bindingTable struct {
	mu sync.RWMutex
	m  map[bindingKey]*transport.Client
}

func newBindingTable() *bindingTable {
	return &bindingTable{m: make(map[bindingKey]*transport.Client)}
}

func (b *bindingTable) bind(id string, kind models.CapabilityKind, c *transport.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[bindingKey{id, kind}] = c
}

func (b *bindingTable) unbind(id string, kind models.CapabilityKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, bindingKey{id, kind})
}

func (b *bindingTable) lookup(id string, kind models.CapabilityKind) (*transport.Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.m[bindingKey{id, kind}]
	return c, ok
}

func (b *bindingTable) bound() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.m))
	for k := range b.m {
		ids = append(ids, k.id)
	}
	return ids
}
