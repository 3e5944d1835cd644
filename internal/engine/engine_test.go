package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

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

// partialFailHandle simulates a Handle whose UpdateToVersion mutates its
// resolved coordinates before reporting an ERROR message, exercising
// artifact.go's documented "may or may not have updated" contract.
type partialFailHandle struct {
	resolved hostmodel.Coordinates
}

func (h *partialFailHandle) ResolvedCoordinates() hostmodel.Coordinates { return h.resolved }

func (h *partialFailHandle) UpdateToVersion(ctx context.Context, target hostmodel.Coordinates) (artifact.UpdateResult, error) {
	h.resolved = target
	return artifact.UpdateResult{Messages: []hostmodel.Message{
		hostmodel.NewMessage(hostmodel.SeverityError, "partial update failure"),
	}}, nil
}

func (h *partialFailHandle) NewScanner() (artifact.Scanner, error) { return nil, fmt.Errorf("no scanner") }
func (h *partialFailHandle) Dispose(ctx context.Context) error     { return nil }

// partialFailFactory resolves every container to the same partialFailHandle.
type partialFailFactory struct {
	handle *partialFailHandle
}

func (f *partialFailFactory) Resolve(ctx context.Context, coordinates hostmodel.Coordinates) (artifact.Handle, error) {
	f.handle.resolved = coordinates
	return f.handle, nil
}

// blockingHandle counts UpdateToVersion invocations and blocks until
// release is closed, used to prove concurrent updateContainerReleaseId
// calls for the same container collapse into a single invocation when
// they share a target, and to prove they do NOT collapse (each actually
// invokes UpdateToVersion with its own target) when targets differ.
type blockingHandle struct {
	resolved atomic.Value // hostmodel.Coordinates
	calls    atomic.Int32
	release  chan struct{}

	mu          sync.Mutex
	seenTargets []hostmodel.Coordinates
}

func newBlockingHandle(initial hostmodel.Coordinates) *blockingHandle {
	h := &blockingHandle{release: make(chan struct{})}
	h.resolved.Store(initial)
	return h
}

func (h *blockingHandle) ResolvedCoordinates() hostmodel.Coordinates {
	return h.resolved.Load().(hostmodel.Coordinates)
}

func (h *blockingHandle) UpdateToVersion(ctx context.Context, target hostmodel.Coordinates) (artifact.UpdateResult, error) {
	h.calls.Add(1)
	h.mu.Lock()
	h.seenTargets = append(h.seenTargets, target)
	h.mu.Unlock()
	<-h.release
	h.resolved.Store(target)
	return artifact.UpdateResult{}, nil
}

func (h *blockingHandle) NewScanner() (artifact.Scanner, error) { return nil, fmt.Errorf("no scanner") }
func (h *blockingHandle) Dispose(ctx context.Context) error     { return nil }

type blockingFactory struct {
	handle *blockingHandle
}

func (f *blockingFactory) Resolve(ctx context.Context, coordinates hostmodel.Coordinates) (artifact.Handle, error) {
	return f.handle, nil
}

// noopTransport never yields a configured controller, matching the
// "not-defined" handshake signal -- the default posture for these tests
// so bootstrap installs from local state instead of blocking on a
// controller.
type noopTransport struct{}

func (noopTransport) Connect(context.Context, controller.ServerInfo) (controller.ConnectResult, error) {
	return controller.ConnectResult{Signal: controller.SignalNotDefined}, nil
}
func (noopTransport) Disconnect(context.Context, controller.ServerInfo) error { return nil }

// scriptedTransport returns a scripted sequence of results, one per
// Connect call (used for S6's "third attempt succeeds" scenario).
type scriptedTransport struct {
	results []controller.ConnectResult
	calls   int
}

func (t *scriptedTransport) Connect(context.Context, controller.ServerInfo) (controller.ConnectResult, error) {
	i := t.calls
	if i >= len(t.results) {
		i = len(t.results) - 1
	}
	t.calls++
	return t.results[i], nil
}
func (t *scriptedTransport) Disconnect(context.Context, controller.ServerInfo) error { return nil }

// throwingExtension fails a named callback, used to exercise the
// dispose-rollback and create-failure paths.
type throwingExtension struct {
	name       string
	order      int
	failOn     string
	calls      *[]string
	allowFalse bool
}

func (e *throwingExtension) Name() string                 { return e.name }
func (e *throwingExtension) IsActive() bool                { return true }
func (e *throwingExtension) StartOrder() int               { return e.order }
func (e *throwingExtension) ImplementedCapability() string { return e.name }
func (e *throwingExtension) Init(extension.Host, *extension.Registry) error { return nil }
func (e *throwingExtension) Destroy(extension.Host, *extension.Registry)    {}

func (e *throwingExtension) CreateContainer(id string, inst *instance.ContainerInstance, params map[string]string) error {
	if e.calls != nil {
		*e.calls = append(*e.calls, e.name+":create")
	}
	if e.failOn == "create" {
		return fmt.Errorf("%s refuses to create", e.name)
	}
	return nil
}

func (e *throwingExtension) DisposeContainer(id string, inst *instance.ContainerInstance, params map[string]string) error {
	if e.calls != nil {
		*e.calls = append(*e.calls, e.name+":dispose")
	}
	if e.failOn == "dispose" {
		return fmt.Errorf("%s refuses to dispose", e.name)
	}
	return nil
}

func (e *throwingExtension) UpdateContainer(id string, inst *instance.ContainerInstance, params map[string]string) error {
	if e.calls != nil {
		*e.calls = append(*e.calls, e.name+":update")
	}
	return nil
}

func (e *throwingExtension) IsUpdateContainerAllowed(id string, inst *instance.ContainerInstance, params map[string]string) bool {
	if e.allowFalse {
		params["failureReason"] = e.name + " refuses update"
		return false
	}
	return true
}

func newTestEngine(t *testing.T, exts []extension.Extension) *Engine {
	t.Helper()
	cfg := config.NewTestConfig()
	cfg.DBPath = t.TempDir()

	st, err := store.OpenFile(cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e, err := New(context.Background(), cfg, logging.New(false), st, artifact.NewLocalFactory(),
		func() []extension.Extension { return exts }, noopTransport{}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func demoCoordinates() hostmodel.Coordinates {
	return hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "1.0"}
}

// S1
func TestCreateContainerSucceeds(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.CreateContainer(context.Background(), "c1", demoCoordinates())
	if !resp.OK() {
		t.Fatalf("create: %+v", resp)
	}
	if resp.Payload.Status != hostmodel.StatusStarted {
		t.Fatalf("status = %v, want STARTED", resp.Payload.Status)
	}

	list := e.ListContainers()
	if len(list.Payload) != 1 || list.Payload[0].ContainerID != "c1" {
		t.Fatalf("listContainers = %+v", list.Payload)
	}

	state := e.GetServerState()
	if _, ok := state.Payload.Containers["c1"]; !ok {
		t.Fatalf("expected c1 in persisted state")
	}
}

// S2 + property 1 (register uniqueness)
func TestCreateContainerTwiceConflicts(t *testing.T) {
	e := newTestEngine(t, nil)

	first := e.CreateContainer(context.Background(), "c1", demoCoordinates())
	if !first.OK() {
		t.Fatalf("first create: %+v", first)
	}

	second := e.CreateContainer(context.Background(), "c1", demoCoordinates())
	if second.OK() {
		t.Fatalf("expected second create to fail")
	}
	if second.Payload.ContainerID != first.Payload.ContainerID {
		t.Fatalf("expected conflict payload to carry existing resource")
	}
}

// property 2 (dispose idempotence) + property 3 (create/dispose round trip)
func TestDisposeIsIdempotentAndRoundTrips(t *testing.T) {
	e := newTestEngine(t, nil)

	unknown := e.DisposeContainer(context.Background(), "ghost")
	if !unknown.OK() {
		t.Fatalf("dispose of unknown id should succeed, got %+v", unknown)
	}

	e.CreateContainer(context.Background(), "c1", demoCoordinates())
	first := e.DisposeContainer(context.Background(), "c1")
	if !first.OK() {
		t.Fatalf("dispose: %+v", first)
	}
	second := e.DisposeContainer(context.Background(), "c1")
	if !second.OK() {
		t.Fatalf("second dispose should also succeed, got %+v", second)
	}

	info := e.GetContainerInfo("c1")
	if info.OK() {
		t.Fatalf("expected NotFound after dispose")
	}
	list := e.ListContainers()
	for _, cr := range list.Payload {
		if cr.ContainerID == "c1" {
			t.Fatalf("c1 should not appear in listContainers after dispose")
		}
	}
}

// property 4 (persistence round-trip)
func TestPersistenceRoundTripAcrossEngineRebuild(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.DBPath = t.TempDir()
	st, err := store.OpenFile(cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	e1, err := New(context.Background(), cfg, logging.New(false), st, artifact.NewLocalFactory(),
		func() []extension.Extension { return nil }, noopTransport{}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if resp := e1.CreateContainer(context.Background(), "c1", demoCoordinates()); !resp.OK() {
		t.Fatalf("create: %+v", resp)
	}
	st.Close()

	st2, err := store.OpenFile(cfg.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	e2, err := New(context.Background(), cfg, logging.New(false), st2, artifact.NewLocalFactory(),
		func() []extension.Extension { return nil }, noopTransport{}, "")
	if err != nil {
		t.Fatalf("rebuild engine: %v", err)
	}

	list := e2.ListContainers()
	found := false
	for _, cr := range list.Payload {
		if cr.ContainerID == "c1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected c1 to survive engine rebuild, got %+v", list.Payload)
	}
}

// S5 + property 5 (dispose rollback) + property 7 (extension ordering)
func TestDisposeRollbackOnExtensionFailure(t *testing.T) {
	var calls []string
	a := &throwingExtension{name: "a", order: 1, calls: &calls}
	b := &throwingExtension{name: "b", order: 2, calls: &calls}
	c := &throwingExtension{name: "c", order: 3, failOn: "dispose", calls: &calls}

	e := newTestEngine(t, []extension.Extension{a, b, c})
	e.CreateContainer(context.Background(), "c1", demoCoordinates())
	calls = nil // reset after create so we only observe the dispose attempt

	resp := e.DisposeContainer(context.Background(), "c1")
	if resp.OK() {
		t.Fatalf("expected dispose to fail")
	}

	info := e.GetContainerInfo("c1")
	if !info.OK() || info.Payload.Status != hostmodel.StatusStarted {
		t.Fatalf("expected container back in STARTED, got %+v", info)
	}

	want := []string{"a:dispose", "b:dispose", "c:dispose", "b:create", "a:create"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

// property 7 (extension ordering on create)
func TestCreateInvokesExtensionsInStartOrder(t *testing.T) {
	var calls []string
	a := &throwingExtension{name: "a", order: 1, calls: &calls}
	b := &throwingExtension{name: "b", order: 2, calls: &calls}
	c := &throwingExtension{name: "c", order: 3, calls: &calls}

	e := newTestEngine(t, []extension.Extension{c, a, b})
	if resp := e.CreateContainer(context.Background(), "c1", demoCoordinates()); !resp.OK() {
		t.Fatalf("create: %+v", resp)
	}

	want := []string{"a:create", "b:create", "c:create"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

// create-path extension failure leaves the container FAILED with no
// automatic rollback (the documented asymmetry vs. dispose).
func TestCreateExtensionFailureLeavesContainerFailed(t *testing.T) {
	a := &throwingExtension{name: "a", order: 1, failOn: "create"}
	e := newTestEngine(t, []extension.Extension{a})

	resp := e.CreateContainer(context.Background(), "c1", demoCoordinates())
	if resp.OK() {
		t.Fatalf("expected create to fail")
	}

	info := e.GetContainerInfo("c1")
	if !info.OK() {
		t.Fatalf("expected container to remain registered FAILED, got NotFound")
	}
	if info.Payload.Status != hostmodel.StatusFailed {
		t.Fatalf("status = %v, want FAILED", info.Payload.Status)
	}
}

// S3
func TestUpdateContainerReleaseId(t *testing.T) {
	e := newTestEngine(t, nil)
	e.CreateContainer(context.Background(), "c1", demoCoordinates())

	v2 := hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "2.0"}
	resp := e.UpdateContainerReleaseId(context.Background(), "c1", v2)
	if !resp.OK() {
		t.Fatalf("update: %+v", resp)
	}
	if resp.Payload != v2 {
		t.Fatalf("payload = %+v, want %+v", resp.Payload, v2)
	}

	got := e.GetContainerReleaseId("c1")
	if got.Payload != v2 {
		t.Fatalf("getContainerReleaseId = %+v, want %+v", got.Payload, v2)
	}

	state := e.GetServerState()
	if state.Payload.Containers["c1"].Coordinates != v2 {
		t.Fatalf("persisted coordinates = %+v, want %+v", state.Payload.Containers["c1"].Coordinates, v2)
	}
}

func TestUpdateRefusedByExtension(t *testing.T) {
	a := &throwingExtension{name: "a", order: 1, allowFalse: true}
	e := newTestEngine(t, []extension.Extension{a})
	e.CreateContainer(context.Background(), "c1", demoCoordinates())

	v2 := hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "2.0"}
	resp := e.UpdateContainerReleaseId(context.Background(), "c1", v2)
	if resp.OK() {
		t.Fatalf("expected update to be refused")
	}
	if resp.Message != "a refuses update" {
		t.Fatalf("message = %q, want extension's failure reason", resp.Message)
	}
}

func TestUpdateOnMissingContainerFallsThroughToCreate(t *testing.T) {
	e := newTestEngine(t, nil)

	v1 := demoCoordinates()
	resp := e.UpdateContainerReleaseId(context.Background(), "c1", v1)
	if !resp.OK() {
		t.Fatalf("update-as-create: %+v", resp)
	}

	info := e.GetContainerInfo("c1")
	if !info.OK() || info.Payload.Status != hostmodel.StatusStarted {
		t.Fatalf("expected c1 created via update fallthrough, got %+v", info)
	}
}

// updateContainerReleaseId must report the pre-update coordinates on a
// HasErrors() failure, even when the handle already mutated its resolved
// coordinates before reporting the error.
func TestUpdateReportsOldCoordinatesOnPartialFailure(t *testing.T) {
	st, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v1 := demoCoordinates()
	handle := &partialFailHandle{resolved: v1}
	factory := &partialFailFactory{handle: handle}
	reg := registry.New[*instance.ContainerInstance]()
	exts := extension.NewRegistry(func() []extension.Extension { return nil })
	log := logging.New(false)

	o := NewOrchestrator("test-server", reg, exts, st, factory, log)
	if resp := o.CreateContainer(context.Background(), "c1", CreateRequest{Coordinates: v1}); !resp.OK() {
		t.Fatalf("create: %+v", resp)
	}

	v2 := hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "2.0"}
	resp := o.UpdateContainerReleaseId(context.Background(), "c1", v2)
	if resp.OK() {
		t.Fatalf("expected update to fail")
	}
	if resp.Payload != v1 {
		t.Fatalf("payload = %+v, want old coordinates %+v (handle resolved = %+v)", resp.Payload, v1, handle.resolved)
	}
}

// Concurrent updateContainerReleaseId calls for the same container id and
// the same target collapse into one in-flight artifact update.
func TestUpdateContainerReleaseIdCollapsesConcurrentCalls(t *testing.T) {
	st, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v1 := demoCoordinates()
	handle := newBlockingHandle(v1)
	reg := registry.New[*instance.ContainerInstance]()
	exts := extension.NewRegistry(func() []extension.Extension { return nil })
	log := logging.New(false)

	o := NewOrchestrator("test-server", reg, exts, st, &blockingFactory{handle: handle}, log)
	if resp := o.CreateContainer(context.Background(), "c1", CreateRequest{Coordinates: v1}); !resp.OK() {
		t.Fatalf("create: %+v", resp)
	}

	v2 := hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "2.0"}
	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		go func() {
			defer wg.Done()
			o.UpdateContainerReleaseId(context.Background(), "c1", v2)
		}()
	}

	close(handle.release)
	wg.Wait()

	if got := handle.calls.Load(); got != 1 {
		t.Fatalf("UpdateToVersion called %d times, want 1 (singleflight collapse)", got)
	}
}

// Concurrent updateContainerReleaseId calls for the same container id but
// *different* target coordinates must never collapse into one another:
// each caller asked for a distinct release and must see its own outcome,
// not one built from the other caller's target.
func TestUpdateContainerReleaseIdDoesNotCollapseDifferentTargets(t *testing.T) {
	st, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v1 := demoCoordinates()
	handle := newBlockingHandle(v1)
	reg := registry.New[*instance.ContainerInstance]()
	exts := extension.NewRegistry(func() []extension.Extension { return nil })
	log := logging.New(false)

	o := NewOrchestrator("test-server", reg, exts, st, &blockingFactory{handle: handle}, log)
	if resp := o.CreateContainer(context.Background(), "c1", CreateRequest{Coordinates: v1}); !resp.OK() {
		t.Fatalf("create: %+v", resp)
	}

	v2 := hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "2.0"}
	v3 := hostmodel.Coordinates{GroupID: "org.x", ArtifactID: "demo", Version: "3.0"}

	var wg sync.WaitGroup
	results := make([]hostmodel.Response[hostmodel.Coordinates], 2)
	targets := []hostmodel.Coordinates{v2, v3}
	wg.Add(2)
	for i := range 2 {
		go func(i int) {
			defer wg.Done()
			results[i] = o.UpdateContainerReleaseId(context.Background(), "c1", targets[i])
		}(i)
	}

	close(handle.release)
	wg.Wait()

	// Both targets must have actually reached UpdateToVersion: a
	// singleflight key collapsed to container id alone would run only
	// the first caller's closure and hand its result to both, so the
	// second target would never appear here.
	if got := handle.calls.Load(); got != 2 {
		t.Fatalf("UpdateToVersion called %d times, want 2 (distinct targets must not collapse)", got)
	}
	handle.mu.Lock()
	seen := append([]hostmodel.Coordinates(nil), handle.seenTargets...)
	handle.mu.Unlock()
	for _, want := range targets {
		found := false
		for _, got := range seen {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("target %+v never reached UpdateToVersion, seen = %+v", want, seen)
		}
	}
	for i, resp := range results {
		if !resp.OK() {
			t.Fatalf("update %d: %+v", i, resp)
		}
	}
}

// S4 + property 6 (scanner state machine)
func TestScannerFullLifecycleThroughEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	e.CreateContainer(context.Background(), "c1", demoCoordinates())

	steps := []scanner.Target{
		{Status: hostmodel.ScannerCreated},
		{Status: hostmodel.ScannerStarted, PollIntervalMillis: 1000},
		{Status: hostmodel.ScannerScanning},
		{Status: hostmodel.ScannerStopped},
		{Status: hostmodel.ScannerDisposed},
	}
	for _, target := range steps {
		resp := e.UpdateScanner("c1", target)
		if !resp.OK() {
			t.Fatalf("transition to %v failed: %+v", target.Status, resp)
		}
	}

	info := e.GetScannerInfo("c1")
	if info.Payload.Status != hostmodel.ScannerDisposed {
		t.Fatalf("expected scanner slot disposed, got %+v", info.Payload)
	}
}

func TestScannerForbiddenTransitionFails(t *testing.T) {
	e := newTestEngine(t, nil)
	e.CreateContainer(context.Background(), "c1", demoCoordinates())

	resp := e.UpdateScanner("c1", scanner.Target{Status: hostmodel.ScannerStopped})
	if resp.OK() {
		t.Fatalf("expected stopping an absent scanner to fail")
	}
}

// property 8 (controller unreachable non-fatal) + engine construction
// returns promptly when sync-deployment is false.
func TestControllerUnreachableNonFatal(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.DBPath = t.TempDir()
	st, err := store.OpenFile(cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer st.Close()

	unreachable := &scriptedTransport{results: []controller.ConnectResult{
		{Signal: controller.SignalNotConnected},
	}}

	e, err := New(context.Background(), cfg, logging.New(false), st, artifact.NewLocalFactory(),
		func() []extension.Extension { return nil }, unreachable, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.controller.Stop()

	if info := e.GetInfo(); !info.OK() {
		t.Fatalf("getInfo: %+v", info)
	}
}

// S6: sync-deployment=true blocks construction until the controller
// becomes reachable, then installs the container the setup carries.
func TestSyncDeploymentBlocksUntilControllerReady(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.DBPath = t.TempDir()
	cfg.SetSyncDeployment(true)
	st, err := store.OpenFile(cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer st.Close()

	scripted := &scriptedTransport{results: []controller.ConnectResult{
		{Signal: controller.SignalNotConnected},
		{Signal: controller.SignalNotConnected},
		{Signal: controller.SignalReady, Setup: &controller.Setup{Containers: []controller.ContainerSpec{
			{ContainerID: "c1", Coordinates: demoCoordinates()},
		}}},
	}}

	e, err := New(context.Background(), cfg, logging.New(false), st, artifact.NewLocalFactory(),
		func() []extension.Extension { return nil }, scripted, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.controller.Stop()

	info := e.GetContainerInfo("c1")
	if !info.OK() {
		t.Fatalf("expected c1 installed once controller became ready, got %+v", info)
	}
}
