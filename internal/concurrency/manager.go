// Package concurrency implements the global admission controller: a bounded
// FIFO queue in front of a weighted semaphore sized from host resources.
package concurrency

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
)

// State is a point-in-time snapshot of the admission controller.
type State struct {
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueueSize  int    `json:"max_queue_size"`
	Queued        int    `json:"queued"`
	Running       int    `json:"running"`
	LimitedBy     string `json:"limited_by"`
}

// Manager is the single global admission controller. AcquireSlot waiters are
// served FIFO by the semaphore's wait list.
type Manager struct {
	limits Limits
	slots  *semaphore.Weighted

	mu      sync.Mutex
	queued  int
	running int
}

// NewManager probes the host and creates the controller.
func NewManager(cfg config.ConcurrencyConfig, log *logger.Logger) *Manager {
	limits := ComputeLimits(cfg, log.WithComponent("concurrency"))
	return &Manager{
		limits: limits,
		slots:  semaphore.NewWeighted(int64(limits.MaxConcurrent)),
	}
}

// AdmitOrReject reserves a queue position without blocking. Returns false
// when the queue is full; the caller maps that to a queue-full rejection.
func (m *Manager) AdmitOrReject() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queued >= m.limits.MaxQueueSize {
		return false
	}
	m.queued++
	return true
}

// AcquireSlot blocks until a run slot is free (or ctx is done), moving the
// caller from queued to running. Callers must have been admitted first.
func (m *Manager) AcquireSlot(ctx context.Context) error {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.queued--
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.queued--
	m.running++
	m.mu.Unlock()
	return nil
}

// ReleaseSlot returns a run slot.
func (m *Manager) ReleaseSlot() {
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
	m.slots.Release(1)
}

// ReacquireSlot blocks for a slot without consuming a queue position. Used
// when a run resumes after an interaction wait released its slot.
func (m *Manager) ReacquireSlot(ctx context.Context) error {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	m.mu.Lock()
	m.running++
	m.mu.Unlock()
	return nil
}

// Abandon gives back a queue position for an admitted caller that never
// acquired a slot (e.g. its run failed before starting).
func (m *Manager) Abandon() {
	m.mu.Lock()
	m.queued--
	m.mu.Unlock()
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		MaxConcurrent: m.limits.MaxConcurrent,
		MaxQueueSize:  m.limits.MaxQueueSize,
		Queued:        m.queued,
		Running:       m.running,
		LimitedBy:     m.limits.LimitedBy,
	}
}
