// Package extension discovers, orders and fans out calls to the host
// engine's pluggable capability extensions (rules, process, decision,
// PMML... -- the concrete implementations are out of scope here; this
// package only owns the registry and the ordering contract).
package extension

import (
	"sort"
	"sync"

	"github.com/hostcraft/hostd/internal/hostmodel"
	"github.com/hostcraft/hostd/internal/instance"
)

// Host is the narrow view of the Host Engine an extension needs during
// init/destroy. Defined here (rather than imported from internal/engine)
// so extensions never depend on the engine package, avoiding an import
// cycle -- the engine satisfies this interface structurally.
type Host interface {
	ServerID() string
	AddServerMessage(msg hostmodel.Message)
}

// Extension is one pluggable capability module invoked during container
// lifecycle. params is a shared, mutable map carrying module metadata
// for the call; a refusal from IsUpdateContainerAllowed is communicated
// by setting params["failureReason"].
type Extension interface {
	Name() string
	IsActive() bool
	StartOrder() int
	ImplementedCapability() string

	Init(host Host, reg *Registry) error
	Destroy(host Host, reg *Registry)

	CreateContainer(id string, inst *instance.ContainerInstance, params map[string]string) error
	DisposeContainer(id string, inst *instance.ContainerInstance, params map[string]string) error
	UpdateContainer(id string, inst *instance.ContainerInstance, params map[string]string) error
	IsUpdateContainerAllowed(id string, inst *instance.ContainerInstance, params map[string]string) bool
}

// Registry discovers available extensions and exposes them in a stable
// order: ascending StartOrder, ties broken by discovery order. This
// order governs Init, CreateContainer, DisposeContainer and
// UpdateContainer fan-outs; only the rollback after a mid-iteration
// dispose failure (re-creating the successfully-disposed prefix) walks
// the completed prefix in reverse. A failed create is not rolled back.
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
}

// Discover is a pluggable discovery function returning extensions in
// whatever order they were found; NewRegistry re-sorts them by
// StartOrder so discovery order only matters as a tiebreaker. A static
// registration table (as used here) is an equivalent discovery
// mechanism to reflection-based plugin loading.
type Discover func() []Extension

// NewRegistry builds a Registry from a static list, sorted by ascending
// StartOrder with a stable sort so equal-order extensions keep their
// discovery order.
func NewRegistry(discover Discover) *Registry {
	found := discover()
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].StartOrder() < found[j].StartOrder()
	})
	return &Registry{extensions: found}
}

// Active returns the active extensions in start order.
func (r *Registry) Active() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Extension, 0, len(r.extensions))
	for _, e := range r.extensions {
		if e.IsActive() {
			out = append(out, e)
		}
	}
	return out
}

// All returns every discovered extension regardless of activity, in
// start order.
func (r *Registry) All() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.extensions))
	copy(out, r.extensions)
	return out
}

// Capabilities returns the concatenation of each active extension's
// implemented capability, used to advertise the host's capabilities to
// the controller during handshake.
func (r *Registry) Capabilities() []string {
	active := r.Active()
	caps := make([]string, 0, len(active))
	for _, e := range active {
		caps = append(caps, e.ImplementedCapability())
	}
	return caps
}
