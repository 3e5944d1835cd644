// Package controller implements the Controller Client: the handshake
// with the remote control plane, background reconnect, and bootstrap
// reconciliation the Host Engine drives at startup.
package controller

import (
	"context"

	"github.com/hostcraft/hostd/internal/hostmodel"
)

// ServerInfo is what the host posts to the controller during handshake.
type ServerInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Location     string   `json:"location"`
}

// ContainerSpec is one entry of a controller-dictated container set.
type ContainerSpec struct {
	ContainerID string               `json:"containerId"`
	Coordinates hostmodel.Coordinates `json:"releaseId"`
}

// Setup is the container set a controller hands back on a successful
// handshake.
type Setup struct {
	Containers []ContainerSpec `json:"containers"`
}

// Signal distinguishes the three handshake outcomes spec.md describes:
// a real setup, "no controllers configured", or "controllers configured
// but unreachable".
type Signal string

const (
	SignalReady        Signal = "ready"
	SignalNotDefined   Signal = "not-defined"
	SignalNotConnected Signal = "not-connected"
)

// ConnectResult is the three-way result of a handshake attempt: the
// exception-for-control-flow pattern the wire protocol uses (NotDefined/
// NotConnected as error types) collapsed into a single result value, the
// same simplification the source applies to other internal control-flow
// exceptions.
type ConnectResult struct {
	Signal Signal
	Setup  *Setup
}

// Transport is the narrow interface the Controller Client depends on to
// actually talk to a controller. The default implementation is HTTP
// (http.go); an optional gRPC implementation (grpc.go) is available for
// controllers that speak gRPC.
type Transport interface {
	// Connect attempts a handshake against each configured endpoint in
	// turn until one succeeds, returning SignalNotDefined if there are
	// none and SignalNotConnected if every endpoint was unreachable.
	Connect(ctx context.Context, info ServerInfo) (ConnectResult, error)
	// Disconnect notifies the controller(s) this host is going away.
	// Best-effort: failures are logged by the caller, never fatal.
	Disconnect(ctx context.Context, info ServerInfo) error
}
