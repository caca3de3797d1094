// Package metadata is the per-collection durable map of documents and
// chunks.
//
// Backed by a SQLite database opened in WAL mode: reads run concurrently
// and never block the single writer, which the engine serialises under
// the collection lock. Document-level metadata is stored once per
// document and joined with per-chunk metadata at read time.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

const (
	// dbFileName is the metadata database inside a collection directory.
	dbFileName = "meta.db"

	// legacyMarker is the first-generation layout's metadata file. Its
	// presence means the collection predates the SQLite store.
	legacyMarker = "meta.json"
)

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	docid       TEXT PRIMARY KEY,
	version     INTEGER NOT NULL,
	ingested_at TEXT NOT NULL,
	meta        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	rid     TEXT PRIMARY KEY,
	docid   TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	meta    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_docid ON chunks(docid);
`

// Store is the per-collection metadata database.
type Store struct {
	db *sql.DB
}

// ChunkRow is one chunk's metadata at write time.
type ChunkRow struct {
	RID     string
	Ordinal int
	Meta    map[string]any
}

// Hydrated is one chunk's merged metadata at read time: document fields
// first, chunk fields layered on top.
type Hydrated struct {
	DocID   string
	Version int
	Meta    map[string]any
}

// Open opens (or creates) the metadata store in dir.
//
// A first-generation meta.json in the directory fails with
// legacy_metadata rather than silently migrating.
func Open(dir string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(dir, legacyMarker)); err == nil {
		return nil, pverr.New(pverr.CodeLegacyMetadata,
			"collection uses the legacy %s layout; export and re-ingest it with this release", legacyMarker)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(dir, dbFileName))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metadata schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertChunks atomically replaces all chunks of docid and bumps the
// document version (starting at 1). Either all chunks become visible or
// none do.
func (s *Store) UpsertChunks(ctx context.Context, docid string, chunks []ChunkRow, docMeta map[string]any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	version := 1
	var prev int
	err = tx.QueryRowContext(ctx, `SELECT version FROM docs WHERE docid = ?`, docid).Scan(&prev)
	switch {
	case err == nil:
		version = prev + 1
	case err == sql.ErrNoRows:
	default:
		return 0, fmt.Errorf("reading document version: %w", err)
	}

	metaJSON, err := encodeMeta(docMeta)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE docid = ?`, docid); err != nil {
		return 0, fmt.Errorf("purging prior chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO docs (docid, version, ingested_at, meta) VALUES (?, ?, ?, ?)`,
		docid, version, time.Now().UTC().Format(time.RFC3339Nano), metaJSON); err != nil {
		return 0, fmt.Errorf("writing document row: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (rid, docid, ordinal, meta) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		chunkJSON, err := encodeMeta(c.Meta)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, c.RID, docid, c.Ordinal, chunkJSON); err != nil {
			return 0, fmt.Errorf("writing chunk %s: %w", c.RID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert: %w", err)
	}
	return version, nil
}

// DeleteDoc removes docid and all its chunks, returning the removed
// rids in ordinal order. A missing docid returns no rids and no error.
func (s *Store) DeleteDoc(ctx context.Context, docid string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	rids, err := queryRIDs(ctx, tx, docid)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE docid = ?`, docid); err != nil {
		return nil, fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM docs WHERE docid = ?`, docid); err != nil {
		return nil, fmt.Errorf("deleting document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	return rids, nil
}

// HasDoc reports whether docid exists.
func (s *Store) HasDoc(ctx context.Context, docid string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM docs WHERE docid = ?`, docid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking document: %w", err)
	}
	return true, nil
}

// GetRIDs returns docid's rids in ordinal order.
func (s *Store) GetRIDs(ctx context.Context, docid string) ([]string, error) {
	return queryRIDs(ctx, s.db, docid)
}

// DocVersion returns docid's version, 0 when absent.
func (s *Store) DocVersion(ctx context.Context, docid string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM docs WHERE docid = ?`, docid).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading document version: %w", err)
	}
	return v, nil
}

// GetMetaBatch hydrates the given rids: document metadata merged with
// chunk metadata (chunk fields win). Unknown rids are simply absent
// from the result.
func (s *Store) GetMetaBatch(ctx context.Context, rids []string) (map[string]Hydrated, error) {
	out := make(map[string]Hydrated, len(rids))
	if len(rids) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(rids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(rids))
	for i, rid := range rids {
		args[i] = rid
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.rid, c.docid, d.version, d.ingested_at, d.meta, c.meta
		FROM chunks c JOIN docs d ON d.docid = c.docid
		WHERE c.rid IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("hydrating metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rid, docid, ingestedAt, docJSON, chunkJSON string
		var version int
		if err := rows.Scan(&rid, &docid, &version, &ingestedAt, &docJSON, &chunkJSON); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}
		merged, err := mergeMeta(docJSON, chunkJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", rid, err)
		}
		merged["ingested_at"] = ingestedAt
		out[rid] = Hydrated{DocID: docid, Version: version, Meta: merged}
	}
	return out, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRIDs(ctx context.Context, q querier, docid string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT rid FROM chunks WHERE docid = ? ORDER BY ordinal`, docid)
	if err != nil {
		return nil, fmt.Errorf("listing rids: %w", err)
	}
	defer rows.Close()

	var rids []string
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("scanning rid: %w", err)
		}
		rids = append(rids, rid)
	}
	return rids, rows.Err()
}

func encodeMeta(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func mergeMeta(docJSON, chunkJSON string) (map[string]any, error) {
	merged := make(map[string]any)
	if err := json.Unmarshal([]byte(docJSON), &merged); err != nil {
		return nil, err
	}
	var chunkMeta map[string]any
	if err := json.Unmarshal([]byte(chunkJSON), &chunkMeta); err != nil {
		return nil, err
	}
	for k, v := range chunkMeta {
		merged[k] = v
	}
	return merged, nil
}
