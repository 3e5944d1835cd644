package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hostcraft/hostd/internal/instance"
)

// notifyEvent is the JSON payload posted to the configured webhook URL.
type notifyEvent struct {
	Event       string `json:"event"`
	ContainerID string `json:"containerId"`
	Timestamp   string `json:"timestamp"`
}

// NotifyExtension posts a best-effort webhook notification on container
// lifecycle events, adapted from the teacher's generic webhook notifier:
// same client shape, same fire-and-forget error handling (a failed POST
// is logged, never fails the lifecycle operation that triggered it).
type NotifyExtension struct {
	url    string
	active bool
	order  int
	client *http.Client
	log    *slog.Logger
}

// NewNotifyExtension returns a notification extension posting to url. If
// url is empty the extension reports IsActive() == false and is skipped
// by every fan-out.
func NewNotifyExtension(url string, startOrder int, log *slog.Logger) *NotifyExtension {
	return &NotifyExtension{
		url:    url,
		active: url != "",
		order:  startOrder,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

func (e *NotifyExtension) Name() string                 { return "notify" }
func (e *NotifyExtension) IsActive() bool                { return e.active }
func (e *NotifyExtension) StartOrder() int               { return e.order }
func (e *NotifyExtension) ImplementedCapability() string { return "Notify" }

func (e *NotifyExtension) Init(Host, *Registry) error { return nil }
func (e *NotifyExtension) Destroy(Host, *Registry)     {}

func (e *NotifyExtension) CreateContainer(id string, _ *instance.ContainerInstance, _ map[string]string) error {
	e.send("container_created", id)
	return nil
}

func (e *NotifyExtension) DisposeContainer(id string, _ *instance.ContainerInstance, _ map[string]string) error {
	e.send("container_disposed", id)
	return nil
}

func (e *NotifyExtension) UpdateContainer(id string, _ *instance.ContainerInstance, _ map[string]string) error {
	e.send("container_updated", id)
	return nil
}

func (e *NotifyExtension) IsUpdateContainerAllowed(string, *instance.ContainerInstance, map[string]string) bool {
	return true
}

// send posts the event and logs, but never returns an error: a
// notification failure must not fail the lifecycle operation it is
// attached to.
func (e *NotifyExtension) send(event, containerID string) {
	body, err := json.Marshal(notifyEvent{
		Event:       event,
		ContainerID: containerID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.log.Warn("marshal notify payload failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.log.Warn("build notify request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("send notify webhook failed", "error", err, "event", event, "container", containerID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.log.Warn("notify webhook returned non-2xx", "status", resp.Status, "event", event)
	}
}
