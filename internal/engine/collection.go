package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/backend"
	"github.com/rodrigopitanga/patchvec/internal/metadata"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/sidecar"
)

// Collection states. Only ready (and its writing variant, which the
// collection lock already serialises) accepts operations.
const (
	stateInitializing int32 = iota
	stateReady
	stateWriting
	stateDeleting
)

const (
	// manifestFileName records the collection's identity and model.
	manifestFileName = "collection.json"

	// schemaMarkerFileName records the on-disk layout generation.
	schemaMarkerFileName = "schema_version"

	// schemaVersion is the current layout generation.
	schemaVersion = "2"

	// chunksDirName is the sidecar directory inside a collection.
	chunksDirName = "chunks"
)

// Manifest is the persisted collection identity.
type Manifest struct {
	Tenant      string    `json:"tenant"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Schema      string    `json:"schema_version"`
	CreatedAt   time.Time `json:"created_at"`
}

// Collection owns one collection's lock, backend, metadata store, and
// sidecar. Instances are shared through the engine registry; consumers
// never hold them across operations.
type Collection struct {
	tenant string
	name   string
	dir    string

	// mu is the collection lock: all writes and the backend k-NN call
	// hold it; metadata hydration and sidecar reads do not.
	mu    sync.Mutex
	state atomic.Int32

	backend  backend.Backend
	meta     *metadata.Store
	sidecar  *sidecar.Store
	manifest Manifest
}

// lockReady acquires the collection lock, failing with unavailable when
// the collection is initialising or deleting. The caller must unlock.
func (c *Collection) lockReady() error {
	c.mu.Lock()
	switch c.state.Load() {
	case stateReady, stateWriting:
		return nil
	default:
		c.mu.Unlock()
		return pverr.New(pverr.CodeUnavailable, "collection %s/%s is in a transient state", c.tenant, c.name)
	}
}

// closeStores closes the substores, logging rather than failing on
// secondary errors.
func (c *Collection) closeStores(logger *zap.Logger) {
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			logger.Warn("closing backend", zap.String("collection", c.name), zap.Error(err))
		}
	}
	if c.meta != nil {
		if err := c.meta.Close(); err != nil {
			logger.Warn("closing metadata store", zap.String("collection", c.name), zap.Error(err))
		}
	}
}

// openStores opens the three substores and verifies the model
// fingerprint. Used both when creating and when loading a collection.
func (c *Collection) openStores(backendKind, fingerprint string, dim int, logger *zap.Logger) error {
	meta, err := metadata.Open(c.dir)
	if err != nil {
		return err
	}
	side, err := sidecar.Open(filepath.Join(c.dir, chunksDirName))
	if err != nil {
		meta.Close()
		return err
	}
	be, err := backend.Open(backendKind, c.dir, logger)
	if err != nil {
		meta.Close()
		return err
	}
	if err := be.Configure(context.Background(), dim, fingerprint); err != nil {
		meta.Close()
		be.Close()
		return err
	}

	c.meta = meta
	c.sidecar = side
	c.backend = be
	return nil
}

// writeManifest persists the manifest and schema marker.
func (c *Collection) writeManifest() error {
	data, err := json.MarshalIndent(c.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, manifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, schemaMarkerFileName), []byte(schemaVersion+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing schema marker: %w", err)
	}
	return nil
}

// readManifest loads the persisted manifest from dir.
func readManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}
