package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hostcraft/hostd/internal/hostmodel"
)

// LocalFactory is a minimal Factory that "materializes" a bundle by
// simply recording its coordinates in memory. It stands in for the real
// artifact resolver/classloader, which is explicitly out of scope for
// the host engine (spec.md S1), the way internal/docker's local socket
// client stands in for a full container platform.
type LocalFactory struct{}

// NewLocalFactory returns a Factory suitable for wiring the engine when
// no real artifact resolver is configured.
func NewLocalFactory() *LocalFactory { return &LocalFactory{} }

// Resolve always succeeds, binding the handle to the requested
// coordinates as both requested and resolved (local factory never deals
// with moving versions).
func (f *LocalFactory) Resolve(_ context.Context, coords hostmodel.Coordinates) (Handle, error) {
	return &localHandle{resolved: coords}, nil
}

type localHandle struct {
	mu       sync.Mutex
	resolved hostmodel.Coordinates
	disposed bool
}

func (h *localHandle) ResolvedCoordinates() hostmodel.Coordinates {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved
}

func (h *localHandle) UpdateToVersion(_ context.Context, target hostmodel.Coordinates) (UpdateResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return UpdateResult{}, fmt.Errorf("handle already disposed")
	}
	h.resolved = target
	return UpdateResult{Messages: []hostmodel.Message{
		hostmodel.NewMessage(hostmodel.SeverityInfo, "updated to "+target.String()),
	}}, nil
}

func (h *localHandle) NewScanner() (Scanner, error) {
	return newTickerScanner(), nil
}

func (h *localHandle) Dispose(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed = true
	return nil
}

// tickerScanner is a simple in-process scanner implementation: Start
// spins a goroutine that would poll for new versions on each tick; in
// the local factory it just advances its own status, since there is no
// real moving coordinate to resolve.
type tickerScanner struct {
	mu      sync.Mutex
	status  RuntimeScannerStatus
	stopCh  chan struct{}
	running bool
}

func newTickerScanner() *tickerScanner {
	return &tickerScanner{status: ScannerStarting}
}

func (s *tickerScanner) Status() RuntimeScannerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *tickerScanner) Start(pollIntervalMillis int64) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true
	s.status = ScannerRunning
	stop := make(chan struct{})
	s.stopCh = stop
	s.mu.Unlock()

	interval := time.Duration(pollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.status == ScannerRunning {
					s.status = ScannerScanning
				}
				s.mu.Unlock()
			}
		}
	}()
	return nil
}

func (s *tickerScanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("scanner not running")
	}
	close(s.stopCh)
	s.running = false
	s.status = ScannerStopped
	return nil
}

func (s *tickerScanner) ScanNow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ScannerScanning
	return nil
}

func (s *tickerScanner) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stopCh)
		s.running = false
	}
	s.status = ScannerShutdown
	return nil
}
