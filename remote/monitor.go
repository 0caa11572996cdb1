package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DiagnosticKind classifies a startup diagnostic.
type DiagnosticKind string

const (
	// DiagnosticSlowStart is raised while a worker stays pending longer than expected.
	DiagnosticSlowStart DiagnosticKind = "slow_start"
	// DiagnosticStartFailed is raised when the platform reports a worker dead.
	DiagnosticStartFailed DiagnosticKind = "start_failed"
)

// Diagnostic is an operator-visible startup problem of one worker.
type Diagnostic struct {
	WorkerID string
	Kind     DiagnosticKind
	Message  string
	Raised   time.Time
}

type phase int

const (
	phasePending phase = iota
	phaseReady
	phaseDead
)

type startupStatus struct {
	phase   phase
	pending time.Time
}

type diagKey struct {
	worker string
	kind   DiagnosticKind
}

// StartupMonitor follows the startup of remote workers and raises diagnostics when a
// worker fails to start or takes longer than slowAfter. Diagnostics are retracted once the
// condition clears. A nil *StartupMonitor is valid and does nothing.
type StartupMonitor struct {
	slowAfter time.Duration
	log       logrus.FieldLogger
	now       func() time.Time

	mu        sync.Mutex
	workers   map[string]*startupStatus
	diags     map[diagKey]Diagnostic
	suspended bool
}

// NewStartupMonitor returns a monitor flagging workers pending for longer than slowAfter.
func NewStartupMonitor(slowAfter time.Duration, log logrus.FieldLogger) *StartupMonitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StartupMonitor{
		slowAfter: slowAfter,
		log:       log.WithField("component", "startup-monitor"),
		now:       time.Now,
		workers:   make(map[string]*startupStatus),
		diags:     make(map[diagKey]Diagnostic),
	}
}

// Pending records that workerID is waiting for the platform.
func (m *StartupMonitor) Pending(workerID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[workerID]; !ok {
		m.workers[workerID] = &startupStatus{phase: phasePending, pending: m.now()}
	}
}

// Ready records that workerID started.
func (m *StartupMonitor) Ready(workerID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusLocked(workerID).phase = phaseReady
	m.retractLocked(workerID, DiagnosticSlowStart)
}

// Dead records that workerID failed to start.
func (m *StartupMonitor) Dead(workerID, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusLocked(workerID).phase = phaseDead
	m.retractLocked(workerID, DiagnosticSlowStart)
	m.raiseLocked(workerID, DiagnosticStartFailed, fmt.Sprintf("worker failed to start: %s", reason))
}

// Released forgets workerID and retracts its slow-start diagnostic. A start failure stays
// raised until Clear.
func (m *StartupMonitor) Released(workerID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	m.retractLocked(workerID, DiagnosticSlowStart)
}

// Clear retracts every diagnostic of workerID.
func (m *StartupMonitor) Clear(workerID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retractLocked(workerID, DiagnosticSlowStart)
	m.retractLocked(workerID, DiagnosticStartFailed)
}

// Suspend stops raising slow-start diagnostics, for example once the run is being
// interrupted and slow workers no longer matter.
func (m *StartupMonitor) Suspend() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended {
		return
	}
	m.suspended = true
	for k := range m.diags {
		if k.kind == DiagnosticSlowStart {
			m.retractLocked(k.worker, k.kind)
		}
	}
	m.log.Debug("suspended")
}

// Check raises slow-start diagnostics for workers pending longer than the threshold.
func (m *StartupMonitor) Check() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended || m.slowAfter <= 0 {
		return
	}
	now := m.now()
	for id, st := range m.workers {
		if st.phase != phasePending {
			continue
		}
		if waited := now.Sub(st.pending); waited > m.slowAfter {
			m.raiseLocked(id, DiagnosticSlowStart,
				fmt.Sprintf("worker pending for %s", waited.Truncate(time.Second)))
		}
	}
}

// Run calls Check every interval until ctx is done.
func (m *StartupMonitor) Run(ctx context.Context, interval time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Diagnostics returns the currently raised diagnostics ordered by worker and kind.
func (m *StartupMonitor) Diagnostics() []Diagnostic {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	out := make([]Diagnostic, 0, len(m.diags))
	for _, d := range m.diags {
		out = append(out, d)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkerID != out[j].WorkerID {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (m *StartupMonitor) statusLocked(workerID string) *startupStatus {
	st, ok := m.workers[workerID]
	if !ok {
		st = &startupStatus{phase: phasePending, pending: m.now()}
		m.workers[workerID] = st
	}
	return st
}

func (m *StartupMonitor) raiseLocked(workerID string, kind DiagnosticKind, msg string) {
	k := diagKey{workerID, kind}
	if _, ok := m.diags[k]; ok {
		return
	}
	m.diags[k] = Diagnostic{WorkerID: workerID, Kind: kind, Message: msg, Raised: m.now()}
	entry := m.log.WithFields(logrus.Fields{"worker": workerID, "diagnostic": kind})
	if kind == DiagnosticStartFailed {
		entry.Error(msg)
		return
	}
	entry.Warn(msg)
}

func (m *StartupMonitor) retractLocked(workerID string, kind DiagnosticKind) {
	k := diagKey{workerID, kind}
	if _, ok := m.diags[k]; !ok {
		return
	}
	delete(m.diags, k)
	m.log.WithFields(logrus.Fields{"worker": workerID, "diagnostic": kind}).Info("diagnostic retracted")
}
