// Package engine is the patchvec core: the multi-tenant collection
// registry, the ingest and search orchestration, and the locking model
// that keeps concurrent searches safe while serialising writes.
//
// The engine is built once from config and shared; transports hold the
// service.Service interface it implements. Collection instances live in
// a registry keyed by (tenant, name) behind a single guard mutex; each
// instance carries its own collection lock.
package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/catalog"
	"github.com/rodrigopitanga/patchvec/internal/config"
	"github.com/rodrigopitanga/patchvec/internal/embeddings"
	"github.com/rodrigopitanga/patchvec/internal/metrics"
	"github.com/rodrigopitanga/patchvec/internal/opslog"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/sanitize"
	"github.com/rodrigopitanga/patchvec/internal/service"
)

// Engine implements service.Service.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	catalog  *catalog.Catalog
	embedder embeddings.Embedder
	ops      *opslog.Writer
	adm      *admission

	// mu guards the collection registry. Collection locks are separate
	// per-entry mutexes; the guard is never held while waiting on one.
	mu          sync.Mutex
	collections map[string]*Collection
}

var _ service.Service = (*Engine)(nil)

// New builds an engine from config. The embedder may be nil, in which
// case it is constructed from config as well.
func New(cfg *config.Config, embedder embeddings.Embedder, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedder == nil {
		var err error
		embedder, err = embeddings.New(cfg.Embedder)
		if err != nil {
			return nil, fmt.Errorf("building embedder: %w", err)
		}
	}
	cat, err := catalog.New(cfg.VectorStore.DataDir)
	if err != nil {
		return nil, err
	}
	ops, err := opslog.New(cfg.Log.OpsLog, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:         cfg,
		logger:      logger.Named("engine"),
		catalog:     cat,
		embedder:    embedder,
		ops:         ops,
		adm:         newAdmission(cfg.Limits),
		collections: make(map[string]*Collection),
	}, nil
}

// Close shuts the engine down: the registry is emptied and every
// collection's substores are closed under its lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	cols := make([]*Collection, 0, len(e.collections))
	for _, c := range e.collections {
		cols = append(cols, c)
	}
	e.collections = make(map[string]*Collection)
	e.mu.Unlock()

	for _, c := range cols {
		c.mu.Lock()
		c.state.Store(stateDeleting)
		c.closeStores(e.logger)
		c.mu.Unlock()
	}
	return e.ops.Close()
}

// embedderFor returns the embedder for a collection. All collections
// share the configured embedder today; the indirection keeps room for
// per-collection models.
func (e *Engine) embedderFor(tenant, name string) embeddings.Embedder {
	return e.embedder
}

func key(tenant, name string) string { return tenant + "/" + name }

func validateSlugs(tenant, name string) error {
	if err := sanitize.Slug(tenant); err != nil {
		return pverr.Wrap(pverr.CodeInvalidRequest, err, "tenant")
	}
	if err := sanitize.Slug(name); err != nil {
		return pverr.Wrap(pverr.CodeInvalidRequest, err, "collection")
	}
	return nil
}

// get returns the registered collection, loading it from disk on first
// access. Registry read-or-create always happens under the guard lock.
func (e *Engine) get(tenant, name string) (*Collection, error) {
	if err := validateSlugs(tenant, name); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if col, ok := e.collections[key(tenant, name)]; ok {
		return col, nil
	}
	if !e.catalog.Exists(tenant, name) {
		return nil, pverr.New(pverr.CodeNotFound, "collection %s/%s not found", tenant, name)
	}
	col, err := e.load(tenant, name)
	if err != nil {
		return nil, err
	}
	e.collections[key(tenant, name)] = col
	return col, nil
}

// load opens an existing collection directory.
func (e *Engine) load(tenant, name string) (*Collection, error) {
	dir := e.catalog.CollectionDir(tenant, name)
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "loading collection %s/%s", tenant, name)
	}

	emb := e.embedderFor(tenant, name)
	if manifest.Fingerprint != emb.Fingerprint() {
		return nil, pverr.New(pverr.CodeModelMismatch,
			"collection %s/%s was built with model %q, engine runs %q",
			tenant, name, manifest.Fingerprint, emb.Fingerprint())
	}

	col := &Collection{tenant: tenant, name: name, dir: dir, manifest: manifest}
	col.state.Store(stateInitializing)
	if err := col.openStores(e.cfg.VectorStore.Backend, manifest.Fingerprint, emb.Dim(), e.logger); err != nil {
		return nil, err
	}
	col.state.Store(stateReady)
	return col, nil
}

// CreateCollection initialises the backend, metadata store, and sidecar
// for a new collection. Atomic: partial state is removed on failure.
func (e *Engine) CreateCollection(ctx context.Context, tenant, name string) (err error) {
	start := time.Now()
	defer func() { e.emit(opslog.Event{Op: "create_collection", Tenant: tenant, Collection: name}, start, err) }()

	if err = validateSlugs(tenant, name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.collections[key(tenant, name)]; ok || e.catalog.Exists(tenant, name) {
		return pverr.New(pverr.CodeAlreadyExists, "collection %s/%s already exists", tenant, name)
	}

	dir := e.catalog.CollectionDir(tenant, name)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return pverr.Wrap(pverr.CodeInternal, err, "creating collection directory")
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	emb := e.embedderFor(tenant, name)
	col := &Collection{
		tenant: tenant,
		name:   name,
		dir:    dir,
		manifest: Manifest{
			Tenant:      tenant,
			Name:        name,
			Fingerprint: emb.Fingerprint(),
			Schema:      schemaVersion,
			CreatedAt:   time.Now().UTC(),
		},
	}
	col.state.Store(stateInitializing)

	if err = col.openStores(e.cfg.VectorStore.Backend, emb.Fingerprint(), emb.Dim(), e.logger); err != nil {
		return err
	}
	if err = col.writeManifest(); err != nil {
		col.closeStores(e.logger)
		return pverr.Wrap(pverr.CodeInternal, err, "writing collection manifest")
	}

	col.state.Store(stateReady)
	e.collections[key(tenant, name)] = col
	e.logger.Info("collection created", zap.String("tenant", tenant), zap.String("collection", name))
	return nil
}

// DeleteCollection closes the collection and removes its directory.
func (e *Engine) DeleteCollection(ctx context.Context, tenant, name string) (err error) {
	start := time.Now()
	defer func() { e.emit(opslog.Event{Op: "delete_collection", Tenant: tenant, Collection: name}, start, err) }()

	col, err := e.get(tenant, name)
	if err != nil {
		return err
	}
	if err = col.lockReady(); err != nil {
		return err
	}
	defer col.mu.Unlock()

	col.state.Store(stateDeleting)
	col.closeStores(e.logger)

	e.mu.Lock()
	delete(e.collections, key(tenant, name))
	e.mu.Unlock()

	if err = os.RemoveAll(col.dir); err != nil {
		return pverr.Wrap(pverr.CodeInternal, err, "removing collection directory")
	}
	e.logger.Info("collection deleted", zap.String("tenant", tenant), zap.String("collection", name))
	return nil
}

// RenameCollection renames a collection directory and re-registers it
// under the new key. Deadlock-safe: the old collection lock is the only
// collection lock held; the renamed collection is loaded lazily on its
// next use.
func (e *Engine) RenameCollection(ctx context.Context, tenant, oldName, newName string) (err error) {
	start := time.Now()
	defer func() {
		e.emit(opslog.Event{Op: "rename_collection", Tenant: tenant, Collection: oldName, NewName: newName}, start, err)
	}()

	if err = validateSlugs(tenant, newName); err != nil {
		return err
	}
	col, err := e.get(tenant, oldName)
	if err != nil {
		return err
	}
	if err = col.lockReady(); err != nil {
		return err
	}
	defer col.mu.Unlock()

	e.mu.Lock()
	_, loaded := e.collections[key(tenant, newName)]
	e.mu.Unlock()
	if loaded || e.catalog.Exists(tenant, newName) {
		return pverr.New(pverr.CodeAlreadyExists, "collection %s/%s already exists", tenant, newName)
	}

	// Retire this instance; stragglers holding the pointer see
	// unavailable rather than operating on the renamed directory.
	col.state.Store(stateDeleting)
	col.closeStores(e.logger)

	e.mu.Lock()
	delete(e.collections, key(tenant, oldName))
	e.mu.Unlock()

	newDir := e.catalog.CollectionDir(tenant, newName)
	if err = os.Rename(col.dir, newDir); err != nil {
		return pverr.Wrap(pverr.CodeInternal, err, "renaming collection directory")
	}

	manifest := col.manifest
	manifest.Name = newName
	renamed := &Collection{tenant: tenant, name: newName, dir: newDir, manifest: manifest}
	if err = renamed.writeManifest(); err != nil {
		return pverr.Wrap(pverr.CodeInternal, err, "rewriting collection manifest")
	}

	e.logger.Info("collection renamed",
		zap.String("tenant", tenant), zap.String("from", oldName), zap.String("to", newName))
	return nil
}

// ListTenants enumerates tenants from the catalog.
func (e *Engine) ListTenants(ctx context.Context) ([]string, error) {
	return e.catalog.Tenants()
}

// ListCollections enumerates a tenant's collections.
func (e *Engine) ListCollections(ctx context.Context, tenant string) (names []string, err error) {
	start := time.Now()
	defer func() { e.emit(opslog.Event{Op: "list_collections", Tenant: tenant}, start, err) }()

	if err := sanitize.Slug(tenant); err != nil {
		return nil, pverr.Wrap(pverr.CodeInvalidRequest, err, "tenant")
	}
	return e.catalog.Collections(tenant)
}

// emit records the operation in the ops log and metrics.
func (e *Engine) emit(ev opslog.Event, start time.Time, err error) {
	ev.LatencyMS = latencyMS(start)
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.CodeOf(err))
	} else {
		ev.Status = "ok"
	}
	e.ops.Emit(ev)
	metrics.Operations.WithLabelValues(ev.Op, ev.Status).Inc()
	metrics.OperationDuration.WithLabelValues(ev.Op).Observe(time.Since(start).Seconds())
}

// latencyMS is the elapsed time since start in milliseconds with two
// decimal places.
func latencyMS(start time.Time) float64 {
	return math.Round(float64(time.Since(start).Microseconds())/10) / 100
}
