// Package discovery assembles a DatabaseSchema for a connection by running
// a fixed set of catalog queries against its borrowed pool connection
// (spec.md §4.8).
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// secretOpener resolves a connection's plaintext credential; the
// discoverer never holds secrets itself, mirroring the registry's
// OpenSecret boundary.
type secretOpener func(cfg domain.ConnectionConfig) (string, error)

// poolBorrower is the subset of *pool.Manager the discoverer depends on.
type poolBorrower interface {
	GetOrCreate(ctx context.Context, cfg domain.ConnectionConfig, secret string) (*pool.ManagedPool, error)
}

// Discoverer runs schema discovery against connections borrowed from the
// Pool Manager, coalescing concurrent requests for the same connection.
type Discoverer struct {
	pool           poolBorrower
	openSecret     secretOpener
	group          singleflight.Group
	maxInFlight    int
	acquireTimeout time.Duration
	logger         zerolog.Logger
}

// New creates a Discoverer. maxInFlight bounds the number of table/view
// objects introspected concurrently within a single discovery run
// (spec.md §4.8's second parallel wave).
func New(poolMgr poolBorrower, openSecret secretOpener, maxInFlight int, acquireTimeout time.Duration, logger zerolog.Logger) *Discoverer {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Discoverer{pool: poolMgr, openSecret: openSecret, maxInFlight: maxInFlight, acquireTimeout: acquireTimeout, logger: logger}
}

// Discover runs (or joins an in-flight) discovery for cfg and returns the
// assembled DatabaseSchema.
func (d *Discoverer) Discover(ctx context.Context, cfg domain.ConnectionConfig, req domain.DiscoveryRequest) (domain.DatabaseSchema, error) {
	key := cfg.ID.String()
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.discover(ctx, cfg, req)
	})
	if err != nil {
		return domain.DatabaseSchema{}, err
	}
	return v.(domain.DatabaseSchema), nil
}

func (d *Discoverer) discover(ctx context.Context, cfg domain.ConnectionConfig, req domain.DiscoveryRequest) (domain.DatabaseSchema, error) {
	start := time.Now()

	catalog, ok := catalogFor(cfg.Dialect)
	if !ok {
		return domain.DatabaseSchema{}, apperr.New(apperr.KindDiscoveryFailed, "dialect has no catalog introspection: "+string(cfg.Dialect))
	}

	secret, err := d.openSecret(cfg)
	if err != nil {
		return domain.DatabaseSchema{}, apperr.Wrap(apperr.KindDiscoveryFailed, "open connection secret", err)
	}

	mp, err := d.pool.GetOrCreate(ctx, cfg, secret)
	if err != nil {
		return domain.DatabaseSchema{}, apperr.Wrap(apperr.KindDiscoveryFailed, "borrow connection pool", err)
	}

	lease, err := mp.Acquire(ctx, d.acquireTimeout)
	if err != nil {
		return domain.DatabaseSchema{}, apperr.Wrap(apperr.KindDiscoveryFailed, "acquire pooled connection", err)
	}
	defer lease.Release()

	var (
		tables        []domain.SchemaObject
		views         []domain.SchemaObject
		functions     []domain.SchemaObject
		types         []domain.SchemaObject
		relationships []domain.Relationship
	)

	wave1, waveCtx := errgroup.WithContext(ctx)
	wave1.Go(func() (err error) {
		tables, err = catalog.listTables(waveCtx, lease, req.IncludeSystem)
		return
	})
	wave1.Go(func() (err error) {
		views, err = catalog.listViews(waveCtx, lease, req.IncludeSystem)
		return
	})
	if req.IncludeFunctions {
		wave1.Go(func() (err error) {
			functions, err = catalog.listFunctions(waveCtx, lease, req.IncludeSystem)
			return
		})
	}
	if req.IncludeTypes {
		wave1.Go(func() (err error) {
			types, err = catalog.listTypes(waveCtx, lease, req.IncludeSystem)
			return
		})
	}
	wave1.Go(func() (err error) {
		relationships, err = catalog.listRelationships(waveCtx, lease)
		return
	})
	if err := wave1.Wait(); err != nil {
		return domain.DatabaseSchema{}, apperr.Wrap(apperr.KindDiscoveryFailed, "catalog query", err)
	}

	tableLike := make([]*domain.SchemaObject, 0, len(tables)+len(views))
	for i := range tables {
		tableLike = append(tableLike, &tables[i])
	}
	for i := range views {
		tableLike = append(tableLike, &views[i])
	}

	wave2, waveCtx2 := errgroup.WithContext(ctx)
	wave2.SetLimit(d.maxInFlight)
	for _, obj := range tableLike {
		obj := obj
		wave2.Go(func() error {
			cols, err := catalog.listColumns(waveCtx2, lease, obj.Schema, obj.Name)
			if err != nil {
				return err
			}
			constraints, err := catalog.listConstraints(waveCtx2, lease, obj.Schema, obj.Name)
			if err != nil {
				return err
			}
			indexes, err := catalog.listIndexes(waveCtx2, lease, obj.Schema, obj.Name)
			if err != nil {
				return err
			}
			obj.Columns = cols
			obj.Constraints = constraints
			obj.Indexes = indexes
			return nil
		})
	}
	if err := wave2.Wait(); err != nil {
		return domain.DatabaseSchema{}, apperr.Wrap(apperr.KindDiscoveryFailed, "catalog introspection", err)
	}

	objects := make([]domain.SchemaObject, 0, len(tables)+len(views)+len(functions)+len(types))
	objects = append(objects, tables...)
	objects = append(objects, views...)
	objects = append(objects, functions...)
	objects = append(objects, types...)
	sortObjects(objects)

	schema := domain.DatabaseSchema{
		ConnectionID:  cfg.ID.String(),
		Objects:       objects,
		Relationships: relationships,
		DiscoveredAt:  time.Now(),
		Duration:      time.Since(start),
		Counts: domain.ObjectCounts{
			Tables:    len(tables),
			Views:     len(views),
			Functions: len(functions),
			Types:     len(types),
		},
	}
	schema.VersionHash = versionHash(schema)

	d.logger.Info().
		Str("connection_id", schema.ConnectionID).
		Dur("duration", schema.Duration).
		Int("tables", schema.Counts.Tables).
		Int("views", schema.Counts.Views).
		Str("version_hash", schema.VersionHash).
		Msg("schema discovery complete")

	return schema, nil
}

// sortObjects orders discovered objects by (kind, schema, name) and their
// columns by ordinal, so version hashing is independent of catalog query
// return order (spec.md §9).
func sortObjects(objects []domain.SchemaObject) {
	sort.Slice(objects, func(i, j int) bool {
		a, b := objects[i], objects[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		return a.Name < b.Name
	})
	for i := range objects {
		cols := objects[i].Columns
		sort.Slice(cols, func(a, b int) bool { return cols[a].Ordinal < cols[b].Ordinal })
		sort.Strings(objects[i].Constraints)
		sort.Strings(objects[i].Indexes)
	}
}

// structuralView is the subset of a DatabaseSchema the version_hash is
// computed over: never timestamps or duration, only names/types/
// constraints/indexes/relationships (spec.md §3 invariant).
type structuralView struct {
	Objects       []domain.SchemaObject `json:"objects"`
	Relationships []domain.Relationship `json:"relationships"`
}

func versionHash(schema domain.DatabaseSchema) string {
	rels := append([]domain.Relationship(nil), schema.Relationships...)
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].FromTable != rels[j].FromTable {
			return rels[i].FromTable < rels[j].FromTable
		}
		return rels[i].FromColumn < rels[j].FromColumn
	})

	view := structuralView{Objects: schema.Objects, Relationships: rels}
	payload, err := json.Marshal(view)
	if err != nil {
		// Marshaling a plain struct of strings/slices cannot fail; if it
		// somehow does, fall back to a hash of the connection id so
		// discovery still returns rather than panicking.
		payload = []byte(schema.ConnectionID)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
