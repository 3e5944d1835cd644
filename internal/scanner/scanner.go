// Package scanner implements the per-container scanner substate machine:
// {absent, created, started, scanning, stopped, disposed}. Every
// transition clears the container's message log and appends exactly one
// outcome message, matching the engine's Lifecycle Orchestrator
// conventions.
package scanner

import (
	"fmt"

	"github.com/hostcraft/hostd/internal/hostmodel"
	"github.com/hostcraft/hostd/internal/instance"
	"github.com/hostcraft/hostd/internal/logging"
	"github.com/hostcraft/hostd/internal/metrics"
)

// Target is the requested scanner transition.
type Target struct {
	Status hostmodel.ScannerStatus
	// PollIntervalMillis is required when Status is STARTED, unless
	// CronExpr is set instead.
	PollIntervalMillis int64
	// CronExpr, when set, is parsed as a standard 5-field cron
	// expression and converted to a poll interval measured as the time
	// until its next scheduled firing -- an alternative way to express
	// "how often" for operators who think in schedules, not intervals.
	CronExpr string
}

// Controller drives scanner transitions for container instances. Callers
// must hold inst.Lock() for the duration of Update, matching the
// per-instance mutex contract every other lifecycle transition follows.
type Controller struct {
	log *logging.Logger
}

// New creates a Controller.
func New(log *logging.Logger) *Controller {
	return &Controller{log: log}
}

// Update drives inst's scanner toward target, returning the resulting
// public projection on success. The caller must already hold inst's
// mutex.
func (c *Controller) Update(inst *instance.ContainerInstance, target Target) (hostmodel.ScannerResource, error) {
	inst.ClearMessages()

	outcome, err := c.transition(inst, target)
	metricOutcome := "ok"
	if err != nil {
		metricOutcome = "failed"
	}
	metrics.ScannerTransitions.WithLabelValues(string(target.Status), metricOutcome).Inc()

	if err != nil {
		inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityWarn, err.Error()))
		return hostmodel.ScannerResource{}, err
	}

	inst.AppendMessage(hostmodel.NewMessage(hostmodel.SeverityInfo, outcome))
	if inst.Scanner == nil {
		return hostmodel.ScannerResource{Status: hostmodel.ScannerDisposed}, nil
	}
	return *inst.ScannerResource(), nil
}

func (c *Controller) transition(inst *instance.ContainerInstance, target Target) (string, error) {
	switch target.Status {
	case hostmodel.ScannerCreated:
		return c.doCreate(inst)
	case hostmodel.ScannerStarted:
		return c.doStart(inst, target)
	case hostmodel.ScannerStopped:
		return c.doStop(inst)
	case hostmodel.ScannerScanning:
		return c.doScanNow(inst, target)
	case hostmodel.ScannerDisposed:
		return c.doDispose(inst)
	default:
		return "", fmt.Errorf("unsupported scanner target status %q", target.Status)
	}
}

func (c *Controller) doCreate(inst *instance.ContainerInstance) (string, error) {
	if inst.Scanner != nil {
		return "", fmt.Errorf("scanner already exists")
	}
	if err := c.create(inst); err != nil {
		return "", err
	}
	return "scanner created", nil
}

func (c *Controller) create(inst *instance.ContainerInstance) error {
	if inst.ArtifactHandle == nil {
		return fmt.Errorf("no artifact handle bound to container")
	}
	s, err := inst.ArtifactHandle.NewScanner()
	if err != nil {
		return fmt.Errorf("instantiate scanner: %w", err)
	}
	inst.Scanner = s
	return nil
}

func (c *Controller) doStart(inst *instance.ContainerInstance, target Target) (string, error) {
	interval, err := effectivePollInterval(target)
	if err != nil {
		return "", err
	}
	if interval <= 0 {
		return "", fmt.Errorf("pollInterval must be > 0 to start a scanner")
	}

	if inst.Scanner == nil {
		if err := c.create(inst); err != nil {
			return "", err
		}
	} else if status := inst.Scanner.Status().ToHostStatus(); status != hostmodel.ScannerStopped && status != hostmodel.ScannerCreated {
		return "", fmt.Errorf("cannot start scanner in status %s", status)
	}

	if err := inst.Scanner.Start(interval); err != nil {
		return "", fmt.Errorf("start scanner: %w", err)
	}
	return "scanner started", nil
}

func (c *Controller) doStop(inst *instance.ContainerInstance) (string, error) {
	if inst.Scanner == nil {
		return "", fmt.Errorf("no scanner to stop")
	}
	status := inst.Scanner.Status().ToHostStatus()
	if status != hostmodel.ScannerStarted && status != hostmodel.ScannerScanning {
		return "", fmt.Errorf("cannot stop scanner in status %s", status)
	}
	if err := inst.Scanner.Stop(); err != nil {
		return "", fmt.Errorf("stop scanner: %w", err)
	}
	return "scanner stopped", nil
}

func (c *Controller) doScanNow(inst *instance.ContainerInstance, target Target) (string, error) {
	if inst.Scanner == nil {
		if err := c.create(inst); err != nil {
			return "", err
		}
	} else {
		status := inst.Scanner.Status().ToHostStatus()
		switch status {
		case hostmodel.ScannerStopped, hostmodel.ScannerCreated, hostmodel.ScannerStarted:
		default:
			return "", fmt.Errorf("cannot trigger scan in status %s", status)
		}
	}
	if err := inst.Scanner.ScanNow(); err != nil {
		return "", fmt.Errorf("trigger scan: %w", err)
	}
	return "scan triggered", nil
}

func (c *Controller) doDispose(inst *instance.ContainerInstance) (string, error) {
	if inst.Scanner == nil {
		return "no scanner to dispose", nil
	}

	status := inst.Scanner.Status().ToHostStatus()
	if status == hostmodel.ScannerStarted || status == hostmodel.ScannerScanning {
		if err := inst.Scanner.Stop(); err != nil {
			return "", fmt.Errorf("stop before dispose: %w", err)
		}
	}
	if err := inst.Scanner.Shutdown(); err != nil {
		return "", fmt.Errorf("shutdown scanner: %w", err)
	}
	inst.Scanner = nil
	return "scanner disposed", nil
}
