// Package relay maps logical roles to live endpoints. Transports, dispatchers
// and the comm manager find each other only through a Relay, so any of them can
// be replaced by a test double without touching the others.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/codefionn/schnellkernel/internal/wire"
)

// ErrNotFound is returned when no endpoint is registered for a role.
var ErrNotFound = errors.New("no endpoint registered for role")

// Role names a logical destination.
type Role string

// RoleComm is the comm manager's inbound role.
const RoleComm Role = "comm"

// Outbound is the role of the transport worker that writes to ch.
func Outbound(ch wire.Channel) Role {
	return Role("out:" + ch.String())
}

// Inbound is the role of the component that consumes envelopes read from ch.
func Inbound(ch wire.Channel) Role {
	return Role("in:" + ch.String())
}

// Endpoint accepts envelopes. Implementations must not block on the work the
// envelope triggers; they queue it.
type Endpoint interface {
	Deliver(ctx context.Context, env *wire.Envelope) error
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, env *wire.Envelope) error

// Deliver calls f.
func (f EndpointFunc) Deliver(ctx context.Context, env *wire.Envelope) error {
	return f(ctx, env)
}

// Relay is a copy-on-write role registry. Lookups load an immutable snapshot
// and never lock; registrations are serialized and publish a new snapshot.
type Relay struct {
	mu    sync.Mutex
	table atomic.Pointer[map[Role]Endpoint]
}

// New creates an empty relay.
func New() *Relay {
	r := &Relay{}
	empty := map[Role]Endpoint{}
	r.table.Store(&empty)
	return r
}

// Register binds role to ep, replacing any previous binding. A nil endpoint
// removes the role.
func (r *Relay) Register(role Role, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	next := make(map[Role]Endpoint, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if ep == nil {
		delete(next, role)
	} else {
		next[role] = ep
	}
	r.table.Store(&next)
}

// Unregister removes role.
func (r *Relay) Unregister(role Role) {
	r.Register(role, nil)
}

// Resolve returns the endpoint bound to role.
func (r *Relay) Resolve(role Role) (Endpoint, error) {
	ep, ok := (*r.table.Load())[role]
	if !ok {
		return nil, fmt.Errorf("%s: %w", role, ErrNotFound)
	}
	return ep, nil
}

// Deliver resolves role and hands env to its endpoint.
func (r *Relay) Deliver(ctx context.Context, role Role, env *wire.Envelope) error {
	ep, err := r.Resolve(role)
	if err != nil {
		return err
	}
	return ep.Deliver(ctx, env)
}

// Roles lists the registered roles in sorted order.
func (r *Relay) Roles() []Role {
	table := *r.table.Load()
	roles := make([]Role, 0, len(table))
	for role := range table {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
