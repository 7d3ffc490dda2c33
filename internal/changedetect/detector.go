// Package changedetect periodically re-discovers monitored connections,
// diffs the result against the cached schema, and publishes SchemaChange
// events for drift (spec.md §4.10).
package changedetect

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Discoverer is the subset of internal/discovery.Discoverer the detector
// depends on.
type Discoverer interface {
	Discover(ctx context.Context, cfg domain.ConnectionConfig, req domain.DiscoveryRequest) (domain.DatabaseSchema, error)
}

// Cache is the subset of internal/schemacache.Cache the detector depends
// on to read the previous snapshot and write the refreshed one.
type Cache interface {
	Get(ctx context.Context, connectionID string) (domain.DatabaseSchema, bool)
	Set(ctx context.Context, connectionID string, schema domain.DatabaseSchema)
}

// Publisher delivers detected changes to subscribers; satisfied by
// internal/fanout.Hub.
type Publisher interface {
	PublishSchemaChange(change domain.SchemaChange)
}

type job struct {
	cfg   domain.ConnectionConfig
	state domain.ChangeDetectionJob
}

// Detector runs the periodic re-discover/diff/publish cycle over a set of
// registered connections.
type Detector struct {
	mu         sync.Mutex
	jobs       map[string]*job
	discoverer Discoverer
	cache      Cache
	publisher  Publisher
	interval   time.Duration
	batchSize  int
	logger     zerolog.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	idSeq      func() string
}

// New creates a Detector. interval is the scheduler tick period
// (RefreshInterval, default 30s); batchSize bounds how many jobs are
// re-discovered concurrently within one tick (default 3).
func New(discoverer Discoverer, cache Cache, publisher Publisher, interval time.Duration, batchSize int, logger zerolog.Logger) *Detector {
	if batchSize <= 0 {
		batchSize = 3
	}
	return &Detector{
		jobs:       make(map[string]*job),
		discoverer: discoverer,
		cache:      cache,
		publisher:  publisher,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
		stopCh:     make(chan struct{}),
		idSeq:      func() string { return uuid.New().String() },
	}
}

// Register adds a connection to the monitored set. Re-registering an
// already-monitored connection refreshes its snapshot but preserves its
// check history.
func (d *Detector) Register(cfg domain.ConnectionConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.jobs[cfg.ID.String()]; ok {
		d.jobs[cfg.ID.String()].cfg = cfg
		return
	}
	d.jobs[cfg.ID.String()] = &job{cfg: cfg, state: domain.ChangeDetectionJob{ConnectionID: cfg.ID.String()}}
}

// Unregister removes a connection from the monitored set.
func (d *Detector) Unregister(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, connectionID)
}

// Jobs returns a snapshot of the current monitoring state, for the
// monitoring surface.
func (d *Detector) Jobs() []domain.ChangeDetectionJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.ChangeDetectionJob, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.state)
	}
	return out
}

// Start runs the tick loop until ctx is canceled or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// Stop ends the tick loop started by Start.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// RunOnce executes a single tick over every registered job, bounded by
// batchSize concurrent re-discoveries. Exposed directly so an
// administrative operation can trigger an out-of-band check.
func (d *Detector) RunOnce(ctx context.Context) {
	d.mu.Lock()
	jobs := make([]*job, 0, len(d.jobs))
	for _, j := range d.jobs {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.batchSize)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			d.checkJob(gctx, j)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Detector) checkJob(ctx context.Context, j *job) {
	schema, err := d.discoverer.Discover(ctx, j.cfg, domain.DiscoveryRequest{ConnectionID: j.cfg.ID.String(), ForceRefresh: true})
	if err != nil {
		d.recordError(j)
		return
	}

	d.mu.Lock()
	j.state.Checks++
	j.state.ConsecutiveErrors = 0
	j.state.LastChecked = time.Now()
	previousHash := j.state.LastHash
	j.state.LastHash = schema.VersionHash
	d.mu.Unlock()

	if previousHash == "" {
		d.cache.Set(ctx, j.cfg.ID.String(), schema)
		return
	}
	if previousHash == schema.VersionHash {
		return
	}

	previous, hadPrevious := d.cache.Get(ctx, j.cfg.ID.String())
	d.cache.Set(ctx, j.cfg.ID.String(), schema)

	if !hadPrevious {
		return
	}

	changes := diffSchemas(j.cfg.ID.String(), previous, schema, d.idSeq)
	for _, change := range changes {
		d.publisher.PublishSchemaChange(change)
	}
}

// CheckNow runs the re-discover/diff/publish cycle for a single registered
// connection immediately, outside the regular tick. Returns apperr.NotFound
// if connectionID is not currently monitored.
func (d *Detector) CheckNow(ctx context.Context, connectionID string) error {
	d.mu.Lock()
	j, ok := d.jobs[connectionID]
	d.mu.Unlock()
	if !ok {
		return apperr.NotFound("change detection job")
	}
	d.checkJob(ctx, j)
	return nil
}

func (d *Detector) recordError(j *job) {
	d.mu.Lock()
	j.state.ConsecutiveErrors++
	eject := j.state.ConsecutiveErrors >= domain.MaxConsecutiveErrors
	connectionID := j.cfg.ID.String()
	if eject {
		delete(d.jobs, connectionID)
	}
	d.mu.Unlock()

	if eject {
		d.logger.Warn().
			Str("connection_id", connectionID).
			Int("consecutive_errors", domain.MaxConsecutiveErrors).
			Msg("ejecting connection from change detection after repeated discovery failures")
	}
}
