// Package engine wires every other component into the Host Engine: the
// process-wide object with an explicit init/destroy lifecycle that
// drives the controller handshake at startup and exposes the public
// operations (createContainer, disposeContainer, updateContainerReleaseId,
// scanner control, info/list) behind the uniform Response envelope.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostcraft/hostd/internal/artifact"
	"github.com/hostcraft/hostd/internal/config"
	"github.com/hostcraft/hostd/internal/controller"
	"github.com/hostcraft/hostd/internal/extension"
	"github.com/hostcraft/hostd/internal/hostmodel"
	"github.com/hostcraft/hostd/internal/instance"
	"github.com/hostcraft/hostd/internal/logging"
	"github.com/hostcraft/hostd/internal/registry"
	"github.com/hostcraft/hostd/internal/scanner"
	"github.com/hostcraft/hostd/internal/store"
)

// Version is the host engine's own release identifier, reported through
// getInfo.
const Version = "1.0.0"

// Info is the public payload of getInfo.
type Info struct {
	ServerID     string              `json:"serverId"`
	ServerName   string              `json:"serverName"`
	Version      string              `json:"version"`
	Capabilities []string            `json:"capabilities"`
	Location     string              `json:"location"`
	Messages     []hostmodel.Message `json:"messages,omitempty"`
}

// Engine is the single process-wide Host Engine instance. The active
// flag is cleared by Destroy, which also stops the controller client's
// background reconnect loop; the loop itself does not read the flag.
type Engine struct {
	cfg          *config.Config
	log          *logging.Logger
	store        store.StateStore
	registry     *registry.ContainerRegistry[*instance.ContainerInstance]
	extensions   *extension.Registry
	orchestrator *Orchestrator
	scanner      *scanner.Controller
	controller   *controller.Client

	active atomic.Bool

	mu       sync.Mutex
	messages []hostmodel.Message
}

// New constructs the Host Engine: loads persisted state, initializes
// extensions, and runs the controller handshake and bootstrap sequence
// described in spec.md 4.F. When cfg's sync-deployment flag is set and
// the controller is unreachable, New blocks until the background
// reconnect task's first successful handshake.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger, st store.StateStore, factory artifact.Factory, discover extension.Discover, transport controller.Transport, controllerToken string) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: registry.New[*instance.ContainerInstance](),
		scanner:  scanner.New(log),
	}
	e.active.Store(true)

	e.extensions = extension.NewRegistry(discover)
	for _, ext := range e.extensions.All() {
		if !ext.IsActive() {
			continue
		}
		if err := ext.Init(e, e.extensions); err != nil {
			log.Error("extension init failed", "extension", ext.Name(), "error", err)
		}
	}

	e.orchestrator = NewOrchestrator(cfg.ServerID, e.registry, e.extensions, st, factory, log)

	client, err := controller.NewClient(transport, controllerToken, log)
	if err != nil {
		return nil, err
	}
	e.controller = client

	e.runHandshake(ctx)

	return e, nil
}

func (e *Engine) serverInfo() controller.ServerInfo {
	return controller.ServerInfo{
		ID:           e.cfg.ServerID,
		Name:         e.cfg.ServerName,
		Version:      Version,
		Capabilities: e.extensions.Capabilities(),
		Location:     e.cfg.ServerLocation(),
	}
}

func (e *Engine) runHandshake(ctx context.Context) {
	info := e.serverInfo()
	result, err := e.controller.Handshake(ctx, info)
	if err != nil {
		e.log.Error("controller handshake failed", "error", err)
	}

	switch result.Signal {
	case controller.SignalReady:
		e.orchestrator.InstallContainers(ctx, seedsFromSetup(result.Setup))
		e.AddServerMessage(hostmodel.NewMessage(hostmodel.SeverityInfo,
			"connected to controller; server "+e.cfg.ServerID+" ready at "+time.Now().UTC().Format(time.RFC3339)))

	case controller.SignalNotDefined:
		state, err := e.store.Load(e.cfg.ServerID)
		if err != nil {
			e.log.Error("load persisted state failed", "error", err)
			state = hostmodel.NewServerState(e.cfg.ServerID)
		}
		e.orchestrator.InstallContainers(ctx, seedsFromState(state))
		e.AddServerMessage(hostmodel.NewMessage(hostmodel.SeverityInfo,
			"no controller configured; server "+e.cfg.ServerID+" ready at "+time.Now().UTC().Format(time.RFC3339)))

	case controller.SignalNotConnected:
		e.AddServerMessage(hostmodel.NewMessage(hostmodel.SeverityWarn, "controller unreachable; starting background reconnect"))

		var done chan controller.ConnectResult
		if e.cfg.SyncDeployment() {
			done = make(chan controller.ConnectResult, 1)
		}

		e.controller.RunReconnectLoop(ctx, info, func(r controller.ConnectResult) {
			if r.Signal != controller.SignalReady {
				return
			}
			e.orchestrator.InstallContainers(ctx, seedsFromSetup(r.Setup))
			e.AddServerMessage(hostmodel.NewMessage(hostmodel.SeverityInfo,
				"reconnected to controller; server "+e.cfg.ServerID+" ready at "+time.Now().UTC().Format(time.RFC3339)))
			if done != nil {
				select {
				case done <- r:
				default:
				}
			}
		})

		if done != nil {
			<-done
		}
	}
}

func seedsFromSetup(setup *controller.Setup) []ContainerSeed {
	if setup == nil {
		return nil
	}
	seeds := make([]ContainerSeed, 0, len(setup.Containers))
	for _, c := range setup.Containers {
		seeds = append(seeds, ContainerSeed{ContainerID: c.ContainerID, Coordinates: c.Coordinates})
	}
	return seeds
}

func seedsFromState(state *hostmodel.ServerState) []ContainerSeed {
	seeds := make([]ContainerSeed, 0, len(state.Containers))
	for id, cr := range state.Containers {
		seeds = append(seeds, ContainerSeed{ContainerID: id, Coordinates: cr.Coordinates})
	}
	return seeds
}

// ServerID satisfies extension.Host.
func (e *Engine) ServerID() string { return e.cfg.ServerID }

// AddServerMessage satisfies extension.Host, appending to the
// server-wide message log. The server-wide list only needs
// append-safety: only the engine itself ever appends to it.
func (e *Engine) AddServerMessage(msg hostmodel.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
}

func (e *Engine) serverMessages() []hostmodel.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]hostmodel.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// GetInfo returns the host's identity and capabilities.
func (e *Engine) GetInfo() hostmodel.Response[Info] {
	return hostmodel.Success("ok", Info{
		ServerID:     e.cfg.ServerID,
		ServerName:   e.cfg.ServerName,
		Version:      Version,
		Capabilities: e.extensions.Capabilities(),
		Location:     e.cfg.ServerLocation(),
		Messages:     e.serverMessages(),
	})
}

// CreateContainer exposes the orchestrator's createContainer operation.
func (e *Engine) CreateContainer(ctx context.Context, id string, coords hostmodel.Coordinates) hostmodel.Response[hostmodel.ContainerResource] {
	if id == "" {
		id = hostmodel.NewContainerID()
	}
	return e.orchestrator.CreateContainer(ctx, id, CreateRequest{Coordinates: coords})
}

// DisposeContainer exposes the orchestrator's disposeContainer operation.
func (e *Engine) DisposeContainer(ctx context.Context, id string) hostmodel.Response[struct{}] {
	return e.orchestrator.DisposeContainer(ctx, id)
}

// ListContainers returns every registered container's public resource.
func (e *Engine) ListContainers() hostmodel.Response[[]hostmodel.ContainerResource] {
	instances := e.registry.List()
	out := make([]hostmodel.ContainerResource, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Resource())
	}
	return hostmodel.Success("ok", out)
}

// GetContainerInfo returns one container's public resource.
func (e *Engine) GetContainerInfo(id string) hostmodel.Response[hostmodel.ContainerResource] {
	inst, ok := e.registry.Get(id)
	if !ok {
		return hostmodel.FailureMsg[hostmodel.ContainerResource]("container " + id + " not found")
	}
	return hostmodel.Success("ok", inst.Resource())
}

// GetContainerReleaseId returns one container's current coordinates.
func (e *Engine) GetContainerReleaseId(id string) hostmodel.Response[hostmodel.Coordinates] {
	inst, ok := e.registry.Get(id)
	if !ok {
		return hostmodel.FailureMsg[hostmodel.Coordinates]("container " + id + " not found")
	}
	return hostmodel.Success("ok", inst.Resource().ResolvedCoordinates)
}

// UpdateContainerReleaseId exposes the orchestrator's
// updateContainerReleaseId operation.
func (e *Engine) UpdateContainerReleaseId(ctx context.Context, id string, newCoordinates hostmodel.Coordinates) hostmodel.Response[hostmodel.Coordinates] {
	return e.orchestrator.UpdateContainerReleaseId(ctx, id, newCoordinates)
}

// GetScannerInfo returns one container's scanner projection.
func (e *Engine) GetScannerInfo(id string) hostmodel.Response[hostmodel.ScannerResource] {
	inst, ok := e.registry.Get(id)
	if !ok {
		return hostmodel.FailureMsg[hostmodel.ScannerResource]("container " + id + " not found")
	}
	res := inst.ScannerResource()
	if res == nil {
		return hostmodel.Success("no scanner", hostmodel.ScannerResource{Status: hostmodel.ScannerDisposed})
	}
	return hostmodel.Success("ok", *res)
}

// UpdateScanner drives a scanner transition on one container.
func (e *Engine) UpdateScanner(id string, target scanner.Target) hostmodel.Response[hostmodel.ScannerResource] {
	inst, ok := e.registry.Get(id)
	if !ok {
		return hostmodel.FailureMsg[hostmodel.ScannerResource]("container " + id + " not found")
	}

	inst.Lock()
	defer inst.Unlock()

	res, err := e.scanner.Update(inst, target)
	if err != nil {
		return hostmodel.FailureMsg[hostmodel.ScannerResource](err.Error())
	}
	return hostmodel.Success("ok", res)
}

// GetServerState returns the persisted server state.
func (e *Engine) GetServerState() hostmodel.Response[*hostmodel.ServerState] {
	state, err := e.store.Load(e.cfg.ServerID)
	if err != nil {
		return hostmodel.FailureMsg[*hostmodel.ServerState]("load server state: " + err.Error())
	}
	return hostmodel.Success("ok", state)
}

// Destroy flips the active flag, disconnects from the controller, and
// runs every active extension's Destroy callback in start order,
// logging (not aborting on) individual failures.
func (e *Engine) Destroy(ctx context.Context) {
	e.active.Store(false)

	if err := e.controller.Disconnect(ctx, e.serverInfo()); err != nil {
		e.log.Error("controller disconnect failed", "error", err)
	}

	for _, ext := range e.extensions.Active() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("extension destroy panicked", "extension", ext.Name(), "panic", r)
				}
			}()
			ext.Destroy(e, e.extensions)
		}()
	}
}

// Active reports whether the engine has not yet been destroyed.
func (e *Engine) Active() bool { return e.active.Load() }
