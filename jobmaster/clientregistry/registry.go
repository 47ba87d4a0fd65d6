package clientregistry

import (
	"sort"
	"sync"
	"time"

	"github.com/hanfei1991/jobcoord/model"
)

// Registry tracks the job clients observing a job and how they want
// to be notified. Re-registering an address overwrites its behaviour.
//
// Writes come from the job master's serialized execution context only;
// reads may come from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]model.ClientRegistration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]model.ClientRegistration),
	}
}

// Register inserts or overwrites the registration of address.
// It returns whether a previous registration was overwritten.
func (r *Registry) Register(address string, behaviour model.ListeningBehaviour, now time.Time) (overwritten bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, overwritten = r.clients[address]
	r.clients[address] = model.ClientRegistration{
		Address:      address,
		Behaviour:    behaviour,
		RegisteredAt: now,
	}
	return overwritten
}

// Lookup returns the registration of address.
func (r *Registry) Lookup(address string) (model.ClientRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.clients[address]
	return reg, ok
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Snapshot returns all registrations ordered by address.
func (r *Registry) Snapshot() []model.ClientRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filterLocked(func(model.ClientRegistration) bool { return true })
}

// Recipients returns the registrations that must be notified of event.
// Every client receives the job's result; only ResultAndStateChanges
// clients receive the other events.
func (r *Registry) Recipients(event *model.JobEvent) []model.ClientRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if event.IsResult() {
		return r.filterLocked(func(model.ClientRegistration) bool { return true })
	}
	return r.filterLocked(func(reg model.ClientRegistration) bool {
		return reg.Behaviour == model.ResultAndStateChanges
	})
}

// Reset removes every registration and returns how many were removed.
func (r *Registry) Reset() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.clients)
	r.clients = make(map[string]model.ClientRegistration)
	return n
}

func (r *Registry) filterLocked(pred func(model.ClientRegistration) bool) []model.ClientRegistration {
	ret := make([]model.ClientRegistration, 0, len(r.clients))
	for _, reg := range r.clients {
		if pred(reg) {
			ret = append(ret, reg)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Address < ret[j].Address
	})
	return ret
}
