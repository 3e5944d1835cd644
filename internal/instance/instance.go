// Package instance defines ContainerInstance, the in-memory record the
// Container Registry holds for each running container: its materialized
// artifact handle, scanner handle, status, and per-container message log.
package instance

import (
	"sync"

	"github.com/hostcraft/hostd/internal/artifact"
	"github.com/hostcraft/hostd/internal/hostmodel"
)

// ContainerInstance is owned exclusively by the Container Registry once
// registered. Lifecycle transitions (create body, dispose body, scanner
// transitions, release upgrade) hold Lock()/Unlock() for their duration,
// with the documented exception of release-id update (spec.md S5).
type ContainerInstance struct {
	mu sync.Mutex

	ContainerID    string
	Coordinates    hostmodel.Coordinates
	Status         hostmodel.ContainerStatus
	ArtifactHandle artifact.Handle // nil once disposed
	Scanner        artifact.Scanner

	messages *messageLog
}

// New creates a fresh instance in CREATING status for the given id and
// requested coordinates.
func New(id string, coords hostmodel.Coordinates) *ContainerInstance {
	return &ContainerInstance{
		ContainerID: id,
		Coordinates: coords,
		Status:      hostmodel.StatusCreating,
		messages:    newMessageLog(),
	}
}

// Lock acquires the instance mutex for the duration of a lifecycle
// transition.
func (i *ContainerInstance) Lock() { i.mu.Lock() }

// Unlock releases the instance mutex.
func (i *ContainerInstance) Unlock() { i.mu.Unlock() }

// AppendMessage appends to the per-container message log. Safe to call
// without holding the instance mutex: the log has its own concurrency
// control (copy-on-write) since readers may observe it while other
// operations are in flight.
func (i *ContainerInstance) AppendMessage(msg hostmodel.Message) {
	i.messages.append(msg)
}

// ClearMessages replaces the per-container log with an empty one. Called
// at the start of any scanner- or release-update operation.
func (i *ContainerInstance) ClearMessages() {
	i.messages.clear()
}

// Messages returns a snapshot of the per-container message log.
func (i *ContainerInstance) Messages() []hostmodel.Message {
	return i.messages.snapshot()
}

// ScannerResource returns the public projection of the instance's
// scanner, or nil if no scanner has been created.
func (i *ContainerInstance) ScannerResource() *hostmodel.ScannerResource {
	if i.Scanner == nil {
		return nil
	}
	return &hostmodel.ScannerResource{Status: i.Scanner.Status().ToHostStatus()}
}

// Resource builds the public ContainerResource projection of this
// instance, including the attached (not persisted) message log.
func (i *ContainerInstance) Resource() hostmodel.ContainerResource {
	resolved := i.Coordinates
	if i.ArtifactHandle != nil {
		resolved = i.ArtifactHandle.ResolvedCoordinates()
	}
	return hostmodel.ContainerResource{
		ContainerID:         i.ContainerID,
		Coordinates:         i.Coordinates,
		ResolvedCoordinates: resolved,
		Status:              i.Status,
		Scanner:             i.ScannerResource(),
		Messages:            i.Messages(),
	}
}

// messageLog is a concurrent-safe, copy-on-write per-container message
// list: appends and clears replace the backing slice under a mutex, so
// Messages() callers reading a previously-returned snapshot never race
// with a concurrent append.
type messageLog struct {
	mu   sync.Mutex
	logs []hostmodel.Message
}

func newMessageLog() *messageLog { return &messageLog{} }

func (l *messageLog) append(msg hostmodel.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]hostmodel.Message, len(l.logs)+1)
	copy(next, l.logs)
	next[len(l.logs)] = msg
	l.logs = next
}

func (l *messageLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = nil
}

func (l *messageLog) snapshot() []hostmodel.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hostmodel.Message, len(l.logs))
	copy(out, l.logs)
	return out
}
