// Package store persists and loads the authoritative ServerState for a
// host engine. Implementations must make Store atomic with respect to
// concurrent Load: a Load either observes the prior complete state or
// the new complete state, never a partial write.
package store

import "github.com/hostcraft/hostd/internal/hostmodel"

// StateStore is the narrow persistence interface the Lifecycle
// Orchestrator and Host Engine depend on. The on-disk or external
// representation is not observable beyond this interface.
type StateStore interface {
	// Load returns the persisted state for serverID, or a freshly
	// initialized empty state if none exists yet.
	Load(serverID string) (*hostmodel.ServerState, error)
	// Store atomically persists state under serverID, replacing any
	// prior value as a whole document.
	Store(serverID string, state *hostmodel.ServerState) error
	// Close releases resources held by the store.
	Close() error
}
