package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hostcraft/hostd/internal/artifact"
	"github.com/hostcraft/hostd/internal/extension"
	"github.com/hostcraft/hostd/internal/hostmodel"
	"github.com/hostcraft/hostd/internal/instance"
	"github.com/hostcraft/hostd/internal/logging"
	"github.com/hostcraft/hostd/internal/metrics"
	"github.com/hostcraft/hostd/internal/registry"
	"github.com/hostcraft/hostd/internal/store"
)

// extensionCallTimeout bounds every individual extension callback. The
// Extension interface predates context.Context (it is called from
// multiple lifecycle operations with no per-call deadline of its own), so
// the bound is enforced by racing the call against a derived context
// deadline rather than by passing ctx into the extension itself.
const extensionCallTimeout = 30 * time.Second

// CreateRequest is the caller-supplied payload for createContainer.
type CreateRequest struct {
	Coordinates hostmodel.Coordinates
	Status      hostmodel.ContainerStatus // optional, informational only
}

// Orchestrator is the Lifecycle Orchestrator: it coordinates container
// create/dispose/upgrade across the extension registry with the
// create-vs-dispose rollback asymmetry spec.md documents and explicitly
// declines to symmetrize (see DESIGN.md).
type Orchestrator struct {
	serverID   string
	registry   *registry.ContainerRegistry[*instance.ContainerInstance]
	extensions *extension.Registry
	store      store.StateStore
	factory    artifact.Factory
	log        *logging.Logger

	// updateGroup collapses concurrent updateContainerReleaseId calls for
	// the same container id and the same target coordinates into one
	// in-flight artifact resolution.
	updateGroup singleflight.Group
}

// NewOrchestrator builds an Orchestrator bound to one server identity.
func NewOrchestrator(serverID string, reg *registry.ContainerRegistry[*instance.ContainerInstance], extensions *extension.Registry, st store.StateStore, factory artifact.Factory, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		serverID:   serverID,
		registry:   reg,
		extensions: extensions,
		store:      st,
		factory:    factory,
		log:        log,
	}
}

// callExtension runs fn (one extension callback) under a deadline,
// fanning it through a single-member errgroup so the wait side and the
// timeout side share one cancellation-aware context. The callback itself
// has no context parameter, so a timeout does not abort it -- it only
// stops the orchestrator from waiting on it any longer.
func (o *Orchestrator) callExtension(ctx context.Context, name string, fn func() error) error {
	cctx, cancel := context.WithTimeout(ctx, extensionCallTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(cctx)
	g.Go(fn)

	waitDone := make(chan error, 1)
	go func() { waitDone <- g.Wait() }()

	select {
	case err := <-waitDone:
		return err
	case <-cctx.Done():
		o.log.Error("extension call exceeded timeout", "extension", name, "timeout", extensionCallTimeout)
		return cctx.Err()
	}
}

// callExtensionAllowed is callExtension's counterpart for
// IsUpdateContainerAllowed, whose bool-returning signature predates error
// propagation entirely. A timed-out check is treated as a refusal rather
// than silently allowed.
func (o *Orchestrator) callExtensionAllowed(ctx context.Context, name string, fn func() bool) bool {
	var allowed bool
	err := o.callExtension(ctx, name, func() error {
		allowed = fn()
		return nil
	})
	return err == nil && allowed
}

func buildParams(id string, coords hostmodel.Coordinates) map[string]string {
	return map[string]string{
		"containerId": id,
		"groupId":     coords.GroupID,
		"artifactId":  coords.ArtifactID,
		"version":     coords.Version,
	}
}

// CreateContainer implements spec.md 4.F createContainer.
func (o *Orchestrator) CreateContainer(ctx context.Context, id string, req CreateRequest) hostmodel.Response[hostmodel.ContainerResource] {
	var zero hostmodel.Coordinates
	if req.Coordinates == zero {
		return hostmodel.FailureMsg[hostmodel.ContainerResource]("coordinates are required")
	}

	inst := instance.New(id, req.Coordinates)
	inst.Lock()
	defer inst.Unlock()

	if prev, existed := o.registry.Register(id, inst); existed {
		metrics.ContainerCreates.WithLabelValues("conflict").Inc()
		return hostmodel.Failure("container "+id+" already exists", prev.Resource())
	}

	handle, err := o.factory.Resolve(ctx, req.Coordinates)
	if err != nil || handle == nil {
		inst.Status = hostmodel.StatusFailed
		o.log.Error("artifact resolution failed", "container", id, "error", err)
		metrics.ContainerCreates.WithLabelValues("resolution_failure").Inc()
		return hostmodel.FailureMsg[hostmodel.ContainerResource]("could not resolve artifact for " + req.Coordinates.String())
	}
	inst.ArtifactHandle = handle

	params := buildParams(id, req.Coordinates)
	for _, ext := range o.extensions.Active() {
		if err := o.callExtension(ctx, ext.Name(), func() error { return ext.CreateContainer(id, inst, params) }); err != nil {
			inst.Status = hostmodel.StatusFailed
			inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityError,
				fmt.Sprintf("extension %s failed during create: %v", ext.Name(), err)))
			o.log.Error("extension createContainer failed", "container", id, "extension", ext.Name(), "error", err)
			metrics.ContainerCreates.WithLabelValues("extension_failure").Inc()
			return hostmodel.Failure("extension "+ext.Name()+" failed: "+err.Error(), inst.Resource())
		}
	}

	inst.Status = hostmodel.StatusStarted
	state := o.loadState()
	state.PutContainer(inst.Resource())
	if err := o.store.Store(o.serverID, state); err != nil {
		o.log.Error("persist state after create failed", "container", id, "error", err)
	}
	inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityInfo, "container started"))
	metrics.ContainersTotal.Inc()
	metrics.ContainerCreates.WithLabelValues("success").Inc()

	return hostmodel.Success("container "+id+" created", inst.Resource())
}

// DisposeContainer implements spec.md 4.F disposeContainer, including the
// rollback-of-the-completed-prefix behavior on a mid-iteration extension
// failure.
func (o *Orchestrator) DisposeContainer(ctx context.Context, id string) hostmodel.Response[struct{}] {
	inst, ok := o.registry.Unregister(id)
	if !ok {
		return hostmodel.Success("container "+id+" was not instantiated", struct{}{})
	}

	inst.Lock()
	defer inst.Unlock()
	inst.Status = hostmodel.StatusDisposing

	params := buildParams(id, inst.Coordinates)
	active := o.extensions.Active()
	completed := make([]extension.Extension, 0, len(active))

	for _, ext := range active {
		if err := o.callExtension(ctx, ext.Name(), func() error { return ext.DisposeContainer(id, inst, params) }); err != nil {
			o.log.Error("extension disposeContainer failed, rolling back", "container", id, "extension", ext.Name(), "error", err)
			for i := len(completed) - 1; i >= 0; i-- {
				rollback := completed[i]
				if rerr := o.callExtension(ctx, rollback.Name(), func() error { return rollback.CreateContainer(id, inst, params) }); rerr != nil {
					o.log.Error("dispose rollback re-create failed", "container", id, "extension", rollback.Name(), "error", rerr)
				}
			}
			inst.Status = hostmodel.StatusStarted
			o.registry.Register(id, inst)
			inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityWarn,
				fmt.Sprintf("dispose aborted: extension %s failed: %v", ext.Name(), err)))
			metrics.ContainerDisposes.WithLabelValues("extension_failure").Inc()
			return hostmodel.FailureMsg[struct{}]("dispose aborted: extension " + ext.Name() + " failed: " + err.Error())
		}
		completed = append(completed, ext)
	}

	handle := inst.ArtifactHandle
	inst.ArtifactHandle = nil
	if handle != nil {
		if err := handle.Dispose(ctx); err != nil {
			o.log.Error("artifact handle dispose failed", "container", id, "error", err)
		}
	}

	state := o.loadState()
	state.RemoveContainer(id)
	if err := o.store.Store(o.serverID, state); err != nil {
		o.log.Error("persist state after dispose failed", "container", id, "error", err)
	}
	metrics.ContainersTotal.Dec()
	metrics.ContainerDisposes.WithLabelValues("success").Inc()

	return hostmodel.Success("container "+id+" disposed", struct{}{})
}

// UpdateContainerReleaseId implements spec.md 4.F updateContainerReleaseId.
// It intentionally does not take the instance mutex (see DESIGN.md): a
// dispose racing with an update fails the update rather than paying the
// synchronization cost. Concurrent calls for the same container id AND
// the same requested target coordinates are collapsed by updateGroup
// into a single in-flight artifact resolution; the group key includes
// the target so two callers racing with *different* target coordinates
// never share a result -- each must observe the outcome of its own
// requested update.
func (o *Orchestrator) UpdateContainerReleaseId(ctx context.Context, id string, newCoordinates hostmodel.Coordinates) hostmodel.Response[hostmodel.Coordinates] {
	key := id + "|" + newCoordinates.String()
	v, err, _ := o.updateGroup.Do(key, func() (any, error) {
		return o.updateContainerReleaseId(ctx, id, newCoordinates), nil
	})
	if err != nil {
		return hostmodel.FailureMsg[hostmodel.Coordinates]("update failed: " + err.Error())
	}
	return v.(hostmodel.Response[hostmodel.Coordinates])
}

func (o *Orchestrator) updateContainerReleaseId(ctx context.Context, id string, newCoordinates hostmodel.Coordinates) hostmodel.Response[hostmodel.Coordinates] {
	var zero hostmodel.Coordinates
	if newCoordinates == zero {
		return hostmodel.FailureMsg[hostmodel.Coordinates]("coordinates are required")
	}

	inst, ok := o.registry.Get(id)
	if ok {
		inst.ClearMessages()
	}
	if !ok || inst.ArtifactHandle == nil {
		created := o.CreateContainer(ctx, id, CreateRequest{Coordinates: newCoordinates, Status: hostmodel.StatusStarted})
		if !created.OK() {
			return hostmodel.Failure[hostmodel.Coordinates](created.Message, newCoordinates)
		}
		return hostmodel.Success(created.Message, created.Payload.ResolvedCoordinates)
	}

	params := buildParams(id, newCoordinates)
	for _, ext := range o.extensions.Active() {
		if !o.callExtensionAllowed(ctx, ext.Name(), func() bool { return ext.IsUpdateContainerAllowed(id, inst, params) }) {
			reason := params["failureReason"]
			if reason == "" {
				reason = "update refused by extension " + ext.Name()
			}
			metrics.ContainerUpdates.WithLabelValues("refused").Inc()
			return hostmodel.FailureMsg[hostmodel.Coordinates](reason)
		}
	}

	// Snapshot the pre-update coordinates: on HasErrors() below we must
	// report what the container was running before the attempt, since the
	// handle may have partially applied the new version even though it
	// reports an error (artifact.go's UpdateToVersion contract).
	oldResolved := inst.Resource().ResolvedCoordinates

	// Read the handle once: a dispose running concurrently may have
	// cleared it since the check above.
	handle := inst.ArtifactHandle
	if handle == nil {
		metrics.ContainerUpdates.WithLabelValues("error").Inc()
		return hostmodel.FailureMsg[hostmodel.Coordinates]("container " + id + " was disposed during update")
	}

	result, err := handle.UpdateToVersion(ctx, newCoordinates)
	if err != nil {
		metrics.ContainerUpdates.WithLabelValues("error").Inc()
		return hostmodel.FailureMsg[hostmodel.Coordinates]("artifact update failed: " + err.Error())
	}

	if result.HasErrors() {
		agg := aggregateMessages(result.Messages)
		inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityWarn, agg))
		metrics.ContainerUpdates.WithLabelValues("update_failure").Inc()
		return hostmodel.Failure(agg, oldResolved)
	}

	for _, ext := range o.extensions.Active() {
		if err := o.callExtension(ctx, ext.Name(), func() error { return ext.UpdateContainer(id, inst, params) }); err != nil {
			o.log.Error("extension updateContainer failed", "container", id, "extension", ext.Name(), "error", err)
		}
	}

	inst.Coordinates = newCoordinates
	resource := inst.Resource()
	state := o.loadState()
	state.PutContainer(resource)
	if err := o.store.Store(o.serverID, state); err != nil {
		o.log.Error("persist state after update failed", "container", id, "error", err)
	}
	inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityInfo, "release updated to "+newCoordinates.String()))
	metrics.ContainerUpdates.WithLabelValues("success").Inc()

	return hostmodel.Success("release updated", resource.ResolvedCoordinates)
}

// ContainerSeed is the minimal (id, coordinates) pair the bootstrap
// installer needs, satisfied by both a controller-dictated container set
// and the locally persisted one.
type ContainerSeed struct {
	ContainerID string
	Coordinates hostmodel.Coordinates
}

// InstallContainers runs createContainer for each seed container, used
// both at bootstrap and on a successful background reconnect.
func (o *Orchestrator) InstallContainers(ctx context.Context, seeds []ContainerSeed) {
	for _, seed := range seeds {
		resp := o.CreateContainer(ctx, seed.ContainerID, CreateRequest{Coordinates: seed.Coordinates})
		if !resp.OK() {
			o.log.Error("bootstrap container install failed", "container", seed.ContainerID, "message", resp.Message)
		}
	}
}

func (o *Orchestrator) loadState() *hostmodel.ServerState {
	state, err := o.store.Load(o.serverID)
	if err != nil {
		o.log.Error("load server state failed, using fresh state", "error", err)
		return hostmodel.NewServerState(o.serverID)
	}
	return state
}

func aggregateMessages(msgs []hostmodel.Message) string {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Severity == hostmodel.SeverityError {
			texts = append(texts, m.Text)
		}
	}
	return strings.Join(texts, "; ")
}
