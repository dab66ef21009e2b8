package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registrar holds the open handlers of the registered targets and opens
// kernel-initiated comms.
type Registrar struct {
	storage *Storage
	pub     Publisher

	mu      sync.RWMutex
	targets map[string]OpenHandler
}

// NewRegistrar creates a registrar that stores comms in storage.
func NewRegistrar(storage *Storage, pub Publisher) *Registrar {
	return &Registrar{storage: storage, pub: pub, targets: make(map[string]OpenHandler)}
}

// RegisterTarget makes name openable by the front end. A later registration
// under the same name replaces the handler.
func (r *Registrar) RegisterTarget(name string, h OpenHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = h
}

// UnregisterTarget removes name. Open comms are unaffected.
func (r *Registrar) UnregisterTarget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, name)
}

func (r *Registrar) lookup(name string) (OpenHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.targets[name]
	return h, ok
}

// Open creates a comm from the kernel side and announces it with comm_open.
func (r *Registrar) Open(ctx context.Context, target string, data, metadata map[string]any) (*Comm, error) {
	var c *Comm
	for {
		c = newComm(uuid.NewString(), target, r.pub, r.storage, nil)
		if r.storage.Insert(c) {
			break
		}
	}

	content := map[string]any{
		"comm_id":     c.ID(),
		"target_name": target,
		"data":        orEmpty(data),
	}
	if metadata != nil {
		content["metadata"] = metadata
	}
	if err := r.pub.Publish(ctx, nil, "comm_open", content); err != nil {
		r.storage.Remove(c.ID())
		return nil, fmt.Errorf("open comm on %s: %w", target, err)
	}
	return c, nil
}
