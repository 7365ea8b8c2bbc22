package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stealth-dispatcher/internal/storage"
	"github.com/stealth-dispatcher/internal/types"
	log "github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of attempt records kept in memory
const DefaultCapacity = 500

type EndpointSource interface {
	Endpoints() []types.EndpointStats
}

type CredentialSource interface {
	Stats() []types.CredentialSetStats
}

type SchedulerSource interface {
	Stats() types.SchedulerStats
}

// Manager keeps the recent attempt trail and builds point-in-time snapshots of
// the pool, credential store and scheduler.
type Manager struct {
	current atomic.Value // stores *types.Snapshot
	storage storage.Storage

	mu        sync.Mutex
	ring      []types.AttemptRecord
	next      int
	full      bool
	totals    types.Totals
	latencyMs float64

	endpoints   EndpointSource
	credentials CredentialSource
	scheduler   SchedulerSource

	persistMu       sync.Mutex
	persistInterval time.Duration
	stopPersist     chan struct{}
	closeOnce       sync.Once
}

// NewManager starts periodic persistence when store is set and the interval is positive
func NewManager(store storage.Storage, persistIntervalSeconds int) *Manager {
	m := &Manager{
		storage:         store,
		ring:            make([]types.AttemptRecord, DefaultCapacity),
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}
	m.current.Store(&types.Snapshot{Updated: time.Now()})

	if store != nil && persistIntervalSeconds > 0 {
		go m.periodicPersist()
	}
	return m
}

// Attach sets the components whose state goes into each snapshot. Any may be nil.
func (m *Manager) Attach(endpoints EndpointSource, credentials CredentialSource, scheduler SchedulerSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = endpoints
	m.credentials = credentials
	m.scheduler = scheduler
}

// Record stores one attempt record; it is the dispatcher's audit sink
func (m *Manager) Record(rec types.AttemptRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = rec
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}

	m.totals.Attempts++
	switch rec.Outcome {
	case "succeeded":
		m.totals.Succeeded++
	case "canceled":
		m.totals.Canceled++
	default:
		m.totals.Failed++
	}
	m.latencyMs += float64(rec.Latency) / float64(time.Millisecond)
	m.totals.AvgLatency = m.latencyMs / float64(m.totals.Attempts)
}

// Attempts returns the retained records, oldest first
func (m *Manager) Attempts() []types.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptsLocked()
}

func (m *Manager) attemptsLocked() []types.AttemptRecord {
	if !m.full {
		out := make([]types.AttemptRecord, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]types.AttemptRecord, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

func (m *Manager) Totals() types.Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// Build assembles a fresh snapshot and makes it the current one
func (m *Manager) Build() *types.Snapshot {
	m.mu.Lock()
	snap := &types.Snapshot{
		Attempts: m.attemptsLocked(),
		Totals:   m.totals,
		Updated:  time.Now(),
	}
	endpoints, credentials, scheduler := m.endpoints, m.credentials, m.scheduler
	m.mu.Unlock()

	if endpoints != nil {
		snap.Endpoints = endpoints.Endpoints()
	}
	if credentials != nil {
		snap.Credentials = credentials.Stats()
	}
	if scheduler != nil {
		snap.Scheduler = scheduler.Stats()
	}

	m.current.Store(snap)
	return snap
}

// Get returns the last built snapshot
func (m *Manager) Get() *types.Snapshot {
	return m.current.Load().(*types.Snapshot)
}

func (m *Manager) persist(snap *types.Snapshot) {
	if m.storage == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.storage.Save(snap); err != nil {
		log.Errorf("Failed to persist snapshot: %v", err)
		return
	}
	log.Debugf("Snapshot persisted: %d endpoints, %d attempts", len(snap.Endpoints), len(snap.Attempts))
}

// Persist builds and saves a snapshot now
func (m *Manager) Persist() {
	m.persist(m.Build())
}

func (m *Manager) periodicPersist() {
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Persist()
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromStorage restores the attempt trail and totals of the last saved run.
// Endpoint and credential views are not restored; they come from live components.
func (m *Manager) LoadFromStorage() (*types.Snapshot, error) {
	if m.storage == nil {
		return nil, nil
	}
	snap, err := m.storage.Load()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		log.Info("No saved snapshot in storage")
		return nil, nil
	}

	m.mu.Lock()
	attempts := snap.Attempts
	if len(attempts) > len(m.ring) {
		attempts = attempts[len(attempts)-len(m.ring):]
	}
	for i := range m.ring {
		m.ring[i] = types.AttemptRecord{}
	}
	copy(m.ring, attempts)
	m.next = len(attempts) % len(m.ring)
	m.full = len(attempts) == len(m.ring)
	m.totals = snap.Totals
	m.latencyMs = snap.Totals.AvgLatency * float64(snap.Totals.Attempts)
	m.mu.Unlock()

	m.current.Store(snap)
	log.Infof("Loaded snapshot from %s: %d attempts", snap.Updated.Format(time.RFC3339), len(attempts))
	return snap, nil
}

// Close stops background persistence and saves a final snapshot
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopPersist)
		m.Persist()
	})
}
