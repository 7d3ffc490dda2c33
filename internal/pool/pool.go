// Package pool manages per-connection backing driver pools, enforcing the
// global and per-owner caps and idle eviction the specification layers on
// top of whatever pooling each dialect's driver already does (spec.md §4.3).
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
)

// Stats is the snapshot returned for monitoring a single connection's pool.
type Stats struct {
	ConnectionID uuid.UUID      `json:"connection_id"`
	Dialect      domain.Dialect `json:"dialect"`
	Active       int            `json:"active"`
	Idle         int            `json:"idle"`
	Total        int            `json:"total"`
	Waiting      int            `json:"waiting"`
	MaxConns     int            `json:"max_connections"`
	LastUsedAt   time.Time      `json:"last_used_at"`
}

// ManagedPool is the logical pool for a single connection ID. It wraps a
// dialect-specific backend and adds the acquire-wait/idle-reap shape used
// throughout this codebase for resource pools.
type ManagedPool struct {
	mu           sync.Mutex
	connectionID uuid.UUID
	dialect      domain.Dialect
	maxConns     int
	idleTimeout  time.Duration

	backend    backend
	waiting    int
	closed     bool
	lastUsedAt time.Time
}

func newManagedPool(connectionID uuid.UUID, cfg domain.ConnectionConfig, b backend) *ManagedPool {
	return &ManagedPool{
		connectionID: connectionID,
		dialect:      cfg.Dialect,
		maxConns:     cfg.Pool.Max,
		idleTimeout:  cfg.Pool.IdleTimeout,
		backend:      b,
		lastUsedAt:   time.Now(),
	}
}

// Lease is a checked-out connection; the caller must call Release exactly
// once when done.
type Lease struct {
	pool  *ManagedPool
	inner lease
}

// Release returns the underlying connection to its driver pool.
func (l *Lease) Release() {
	l.inner.Release()
}

// Query runs a catalog query against the leased connection. It returns
// KindDiscoveryFailed if the underlying backend cannot run SQL queries
// (the mongo backend, which has no relational catalog).
func (l *Lease) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	q, ok := l.inner.(queryable)
	if !ok {
		return nil, apperr.New(apperr.KindDiscoveryFailed, "connection does not support catalog queries")
	}
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDiscoveryFailed, "catalog query failed", err)
	}
	return rows, nil
}

// Acquire checks out a connection, waiting (bounded by ctx and
// acquireTimeout) if the backend is at capacity. The backend driver
// enforces the actual connection ceiling; this wrapper's job is to convert
// pool exhaustion into the specification's error kind and to track
// last-use for idle eviction.
func (mp *ManagedPool) Acquire(ctx context.Context, acquireTimeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	mp.mu.Lock()
	if mp.closed {
		mp.mu.Unlock()
		return nil, apperr.New(apperr.KindPoolExhausted, "pool closed for connection "+mp.connectionID.String())
	}
	mp.lastUsedAt = time.Now()
	mp.mu.Unlock()

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	mp.mu.Lock()
	mp.waiting++
	mp.mu.Unlock()

	inner, err := mp.backend.acquire(ctx)

	mp.mu.Lock()
	mp.waiting--
	mp.mu.Unlock()

	if err != nil {
		return nil, apperr.Wrap(apperr.KindPoolExhausted, fmt.Sprintf("acquire timeout for connection %s", mp.connectionID), err)
	}
	return &Lease{pool: mp, inner: inner}, nil
}

// Stats returns the current snapshot for this pool.
func (mp *ManagedPool) Stats() Stats {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	bs := mp.backend.stats()
	return Stats{
		ConnectionID: mp.connectionID,
		Dialect:      mp.dialect,
		Active:       bs.Active,
		Idle:         bs.Idle,
		Total:        bs.Total,
		Waiting:      mp.waiting,
		MaxConns:     mp.maxConns,
		LastUsedAt:   mp.lastUsedAt,
	}
}

func (mp *ManagedPool) idleSince() time.Duration {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return time.Since(mp.lastUsedAt)
}

// activeCount returns the backend's current in-use connection count, used
// to guard both idle eviction and cap-triggered eviction from ever closing
// a pool with an outstanding Lease (spec.md §4.3's in_use_count invariant).
func (mp *ManagedPool) activeCount() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.backend.stats().Active
}

func (mp *ManagedPool) lastActivity() time.Time {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.lastUsedAt
}

func (mp *ManagedPool) close() {
	mp.mu.Lock()
	if mp.closed {
		mp.mu.Unlock()
		return
	}
	mp.closed = true
	mp.mu.Unlock()
	mp.backend.close()
}

// DialFunc builds a driver DSN for a connection, given its opened
// (unsealed) secret. Supplied by the caller so the pool package never
// needs to know about the vault.
type DialFunc func(cfg domain.ConnectionConfig, secret string) (string, error)

// Manager owns one ManagedPool per active connection ID, enforcing the
// global and per-owner connection caps from spec.md §4.3 and sweeping
// pools idle longer than their configured timeout.
type Manager struct {
	mu         sync.RWMutex
	pools      map[uuid.UUID]*ManagedPool
	owners     map[uuid.UUID]uuid.UUID // connectionID -> ownerUser, for per-owner accounting
	dial       DialFunc
	logger     zerolog.Logger
	globalMax  int
	perUserMax int
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewManager creates a pool Manager. dial builds the driver DSN for a
// connection from its unsealed secret.
func NewManager(dial DialFunc, globalMax, perUserMax int, logger zerolog.Logger) *Manager {
	m := &Manager{
		pools:      make(map[uuid.UUID]*ManagedPool),
		owners:     make(map[uuid.UUID]uuid.UUID),
		dial:       dial,
		logger:     logger,
		globalMax:  globalMax,
		perUserMax: perUserMax,
		stopCh:     make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// GetOrCreate returns the ManagedPool for a connection, creating and
// dialing its backend if this is the first use, subject to the global and
// per-owner connection caps.
func (m *Manager) GetOrCreate(ctx context.Context, cfg domain.ConnectionConfig, secret string) (*ManagedPool, error) {
	m.mu.RLock()
	if p, ok := m.pools[cfg.ID]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	if p, ok := m.pools[cfg.ID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	evicted, err := m.checkCapsLocked(cfg)
	m.mu.Unlock()

	// Drop evicted pools' backends outside the manager lock so a slow
	// backend.close() never blocks unrelated acquires (spec.md §5: the
	// eviction sweep holds the manager lock only while mutating the map).
	for _, p := range evicted {
		p.close()
		m.logger.Info().Str("connection_id", p.connectionID.String()).Msg("evicted idle pool to satisfy capacity")
	}
	if err != nil {
		return nil, err
	}

	dsn, err := m.dial(cfg, secret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "build dial target", err)
	}

	b, err := newBackend(ctx, cfg, dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPoolExhausted, "open backing pool", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[cfg.ID]; ok {
		// Lost a race with a concurrent GetOrCreate for the same connection.
		b.close()
		return p, nil
	}

	p := newManagedPool(cfg.ID, cfg, b)
	m.pools[cfg.ID] = p
	m.owners[cfg.ID] = cfg.OwnerUser
	m.logger.Info().
		Str("connection_id", cfg.ID.String()).
		Str("dialect", string(cfg.Dialect)).
		Int("max_conns", cfg.Pool.Max).
		Msg("opened connection pool")
	return p, nil
}

// checkCapsLocked enforces spec.md §4.3's acquire algorithm steps 2-3: pools
// are counted (one per connection), not summed by per-pool Max. Hitting a
// cap first tries to evict an idle (in_use_count == 0) pool picked by
// oldest last_activity_at before failing with KindPoolExhausted. Evicted pools
// are removed from the map here but closed by the caller once unlocked.
func (m *Manager) checkCapsLocked(cfg domain.ConnectionConfig) ([]*ManagedPool, error) {
	var evicted []*ManagedPool

	if m.globalMax > 0 && len(m.pools) >= m.globalMax {
		if p, id, ok := m.lruIdlePoolLocked(uuid.Nil, false); ok {
			delete(m.pools, id)
			delete(m.owners, id)
			evicted = append(evicted, p)
		}
		if len(m.pools) >= m.globalMax {
			return evicted, apperr.New(apperr.KindPoolExhausted, "global connection pool capacity exceeded")
		}
	}

	if m.perUserMax > 0 && m.ownerPoolCountLocked(cfg.OwnerUser) >= m.perUserMax {
		p, id, ok := m.lruIdlePoolLocked(cfg.OwnerUser, true)
		if !ok {
			return evicted, apperr.New(apperr.KindPoolExhausted, "per-user connection pool capacity exceeded")
		}
		delete(m.pools, id)
		delete(m.owners, id)
		evicted = append(evicted, p)
	}

	return evicted, nil
}

// ownerPoolCountLocked returns how many pools are currently open for owner.
func (m *Manager) ownerPoolCountLocked(owner uuid.UUID) int {
	n := 0
	for id := range m.pools {
		if m.owners[id] == owner {
			n++
		}
	}
	return n
}

// lruIdlePoolLocked finds the pool with the oldest last_activity_at among
// those with no checked-out leases (in_use_count == 0), optionally scoped
// to a single owner. Busy pools are never returned.
func (m *Manager) lruIdlePoolLocked(owner uuid.UUID, scoped bool) (*ManagedPool, uuid.UUID, bool) {
	var lru *ManagedPool
	var lruID uuid.UUID
	for id, p := range m.pools {
		if scoped && m.owners[id] != owner {
			continue
		}
		if p.activeCount() > 0 {
			continue
		}
		if lru == nil || p.lastActivity().Before(lru.lastActivity()) {
			lru = p
			lruID = id
		}
	}
	if lru == nil {
		return nil, uuid.UUID{}, false
	}
	return lru, lruID, true
}

// Drop closes and removes the pool for a connection, e.g. after a
// credential-changing update or delete (spec.md §4.2's invalidation rule).
func (m *Manager) Drop(connectionID uuid.UUID) {
	m.mu.Lock()
	p, ok := m.pools[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pools, connectionID)
	delete(m.owners, connectionID)
	m.mu.Unlock()

	p.close()
	m.logger.Info().Str("connection_id", connectionID.String()).Msg("dropped connection pool")
}

// Snapshot returns stats for every open pool.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

// ConnectionStats returns stats for a single connection's pool, if open.
func (m *Manager) ConnectionStats(connectionID uuid.UUID) (Stats, bool) {
	m.mu.RLock()
	p, ok := m.pools[connectionID]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopCh:
			return
		}
	}
}

// reapIdle drops backing pools that have not been used for longer than
// their configured idle timeout and currently have no checked-out leases,
// per spec.md §4.3's eviction rule ("a pool with in_use_count > 0 is never
// evicted by idle sweeps"). The pool is recreated lazily on the next
// Acquire via GetOrCreate.
func (m *Manager) reapIdle() {
	m.mu.RLock()
	var stale []uuid.UUID
	for id, p := range m.pools {
		if p.idleTimeout > 0 && p.idleSince() > p.idleTimeout && p.activeCount() == 0 {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.Drop(id)
	}
}

// Close shuts down every open pool and stops the idle reaper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[uuid.UUID]*ManagedPool)
	m.owners = make(map[uuid.UUID]uuid.UUID)
	m.mu.Unlock()

	for _, p := range pools {
		p.close()
	}
}
