package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AlexZinkM/canton-connect/internal/model"
)

// Registry maps wallet ids onto adapters. It is filled once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.WalletID]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[model.WalletID]Adapter{}}
}

// Register binds id to a. Duplicate ids and adapters that cannot connect are rejected.
func (r *Registry) Register(id model.WalletID, a Adapter) error {
	if _, err := model.NewWalletID(string(id)); err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("adapter for %s is nil", id)
	}
	if !a.Capabilities().Has(model.CapabilityConnect) {
		return fmt.Errorf("adapter for %s does not declare the %s capability", id, model.CapabilityConnect)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[id]; dup {
		return fmt.Errorf("adapter for %s already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Resolve returns the adapter bound to id
func (r *Registry) Resolve(id model.WalletID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// IDs lists registered wallet ids in order
func (r *Registry) IDs() []model.WalletID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.WalletID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
