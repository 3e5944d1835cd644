// Package artifact defines the narrow collaborator interfaces the host
// engine depends on to materialize and evolve artifact bundles. Resolving
// coordinates into a running bundle, and the bundle's own runtime
// behavior, are explicitly out of scope for the host engine -- this
// package only fixes the contract, the same way internal/docker/
// interface.go fixes the narrow surface the update engine needs from the
// container runtime without owning it.
package artifact

import (
	"context"

	"github.com/hostcraft/hostd/internal/hostmodel"
)

// RuntimeScannerStatus is the status reported directly by a Scanner, as
// distinct from the coarser hostmodel.ScannerStatus the host engine
// exposes to callers.
type RuntimeScannerStatus string

const (
	ScannerStarting RuntimeScannerStatus = "STARTING"
	ScannerRunning  RuntimeScannerStatus = "RUNNING"
	ScannerScanning RuntimeScannerStatus = "SCANNING"
	ScannerUpdating RuntimeScannerStatus = "UPDATING"
	ScannerStopped  RuntimeScannerStatus = "STOPPED"
	ScannerShutdown RuntimeScannerStatus = "SHUTDOWN"
)

// ToHostStatus maps a runtime scanner status to the coarser status the
// host engine exposes, per the Scanner Controller's mapping table.
func (s RuntimeScannerStatus) ToHostStatus() hostmodel.ScannerStatus {
	switch s {
	case ScannerStarting:
		return hostmodel.ScannerCreated
	case ScannerRunning:
		return hostmodel.ScannerStarted
	case ScannerScanning, ScannerUpdating:
		return hostmodel.ScannerScanning
	case ScannerStopped:
		return hostmodel.ScannerStopped
	case ScannerShutdown:
		return hostmodel.ScannerDisposed
	default:
		return hostmodel.ScannerUnknown
	}
}

// Scanner is the external object supplied by the artifact runtime that
// polls for newer versions of a moving coordinate.
type Scanner interface {
	Status() RuntimeScannerStatus
	Start(pollIntervalMillis int64) error
	Stop() error
	ScanNow() error
	Shutdown() error
}

// UpdateResult carries the outcome messages of updating a Handle to a new
// version. ERROR-level messages signal the update failed.
type UpdateResult struct {
	Messages []hostmodel.Message
}

// HasErrors reports whether any message in the result is ERROR severity.
func (r UpdateResult) HasErrors() bool {
	for _, m := range r.Messages {
		if m.Severity == hostmodel.SeverityError {
			return true
		}
	}
	return false
}

// Handle is an opaque reference to a materialized artifact bundle. The
// Lifecycle Orchestrator owns exactly one Handle per container and never
// caches it outside the container's instance.
type Handle interface {
	// ResolvedCoordinates returns the concrete coordinates this handle
	// currently runs, which may differ from the requested coordinates
	// when the requested version is moving.
	ResolvedCoordinates() hostmodel.Coordinates
	// UpdateToVersion evolves the handle in place to target, returning
	// outcome messages. The handle may or may not have updated when
	// UpdateResult.HasErrors() is true.
	UpdateToVersion(ctx context.Context, target hostmodel.Coordinates) (UpdateResult, error)
	// NewScanner instantiates a scanner bound to this handle's artifact.
	NewScanner() (Scanner, error)
	// Dispose releases all resources held by the handle. Called at most
	// once, under the owning instance's mutex.
	Dispose(ctx context.Context) error
}

// Factory resolves coordinates into a materialized Handle. A nil Handle
// with a nil error is treated as resolution failure by the orchestrator,
// matching the source behavior where resolution returns null rather than
// raising.
type Factory interface {
	Resolve(ctx context.Context, coordinates hostmodel.Coordinates) (Handle, error)
}
