// Package hostmodel defines the data types shared by every component of
// the execution-container host: artifact coordinates, the persisted
// server and container state, and the uniform response envelope returned
// by every engine operation.
package hostmodel

import (
	"time"

	"github.com/google/uuid"
)

// Coordinates identifies an artifact bundle by group, artifact and
// version. Version may be a concrete release or a moving (snapshot)
// identifier whose resolution changes over time.
type Coordinates struct {
	GroupID    string `json:"groupId"`
	ArtifactID string `json:"artifactId"`
	Version    string `json:"version"`
}

// IsMoving reports whether Version names a snapshot-like identifier
// rather than a pinned release.
func (c Coordinates) IsMoving() bool {
	return len(c.Version) >= len("-SNAPSHOT") && c.Version[len(c.Version)-len("-SNAPSHOT"):] == "-SNAPSHOT" ||
		c.Version == "LATEST" || c.Version == "RELEASE"
}

func (c Coordinates) String() string {
	return c.GroupID + ":" + c.ArtifactID + ":" + c.Version
}

// ContainerStatus is the lifecycle status of a container as exposed to
// callers.
type ContainerStatus string

const (
	StatusCreating  ContainerStatus = "CREATING"
	StatusStarted   ContainerStatus = "STARTED"
	StatusDisposing ContainerStatus = "DISPOSING"
	StatusFailed    ContainerStatus = "FAILED"
	StatusStopped   ContainerStatus = "STOPPED"
)

// ScannerStatus is the externally visible status of a container's scanner.
type ScannerStatus string

const (
	ScannerCreated  ScannerStatus = "CREATED"
	ScannerStarted  ScannerStatus = "STARTED"
	ScannerStopped  ScannerStatus = "STOPPED"
	ScannerScanning ScannerStatus = "SCANNING"
	ScannerDisposed ScannerStatus = "DISPOSED"
	ScannerUnknown  ScannerStatus = "UNKNOWN"
)

// ScannerResource is the public projection of a container's scanner.
type ScannerResource struct {
	Status       ScannerStatus `json:"status"`
	PollInterval int64         `json:"pollIntervalMillis,omitempty"`
}

// Severity classifies a Message.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Message is one line in a server-wide or per-container message log.
type Message struct {
	Severity     Severity  `json:"severity"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	SubMessages  []string  `json:"subMessages,omitempty"`
}

// NewMessage builds a Message timestamped now.
func NewMessage(sev Severity, text string, sub ...string) Message {
	return Message{Severity: sev, Text: text, Timestamp: time.Now().UTC(), SubMessages: sub}
}

// ContainerResource is the persisted and caller-visible projection of a
// container. Messages are attached on read; they are never persisted as
// part of this struct.
type ContainerResource struct {
	ContainerID         string          `json:"containerId"`
	Coordinates         Coordinates     `json:"releaseId"`
	ResolvedCoordinates Coordinates     `json:"resolvedReleaseId"`
	Status              ContainerStatus `json:"status"`
	Scanner             *ScannerResource `json:"scannerInfo,omitempty"`
	Messages            []Message       `json:"messages,omitempty"`
}

// NewContainerID generates a random container identifier for callers who
// do not supply one on createContainer.
func NewContainerID() string {
	return uuid.NewString()
}

// ServerState is the authoritative, persisted state of one host: its
// configured controllers, its configuration map, and the set of
// containers it believes it owns. Container identity is unique within
// the set.
type ServerState struct {
	ServerID      string                       `json:"serverId"`
	Controllers   []string                     `json:"controllers"`
	Configuration map[string]string            `json:"configuration"`
	Containers    map[string]ContainerResource `json:"containers"`
}

// NewServerState builds a freshly initialized, empty state for serverID.
// Returned by the State Store on load of an unknown id.
func NewServerState(serverID string) *ServerState {
	return &ServerState{
		ServerID:      serverID,
		Controllers:   nil,
		Configuration: map[string]string{},
		Containers:    map[string]ContainerResource{},
	}
}

// PutContainer inserts or replaces a container in the state (set semantics
// keyed by ContainerID). Any attached messages are dropped: they are not
// part of the persisted state.
func (s *ServerState) PutContainer(cr ContainerResource) {
	cr.Messages = nil
	s.Containers[cr.ContainerID] = cr
}

// RemoveContainer deletes a container from the state by id.
func (s *ServerState) RemoveContainer(id string) {
	delete(s.Containers, id)
}

// ResponseType distinguishes success from failure in the uniform envelope
// every engine operation returns.
type ResponseType string

const (
	ResponseSuccess ResponseType = "SUCCESS"
	ResponseFailure ResponseType = "FAILURE"
)

// Response is the uniform envelope returned by every Host Engine
// operation: a type, a human-readable message, and an optional payload.
type Response[T any] struct {
	Type    ResponseType `json:"type"`
	Message string       `json:"message"`
	Payload T            `json:"payload,omitempty"`
}

// Success builds a SUCCESS response carrying payload.
func Success[T any](message string, payload T) Response[T] {
	return Response[T]{Type: ResponseSuccess, Message: message, Payload: payload}
}

// Failure builds a FAILURE response. The zero value of T is carried when
// there is no meaningful payload to return.
func Failure[T any](message string, payload T) Response[T] {
	return Response[T]{Type: ResponseFailure, Message: message, Payload: payload}
}

// FailureMsg builds a FAILURE response with a zero-value payload.
func FailureMsg[T any](message string) Response[T] {
	var zero T
	return Response[T]{Type: ResponseFailure, Message: message, Payload: zero}
}

// OK reports whether the response is a SUCCESS.
func (r Response[T]) OK() bool { return r.Type == ResponseSuccess }
