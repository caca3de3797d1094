package backend

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/filter"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/sanitize"
)

// indexFileName is the sqlite backend's database inside a collection
// directory.
const indexFileName = "index.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS points (
	rid    TEXT PRIMARY KEY,
	vector BLOB NOT NULL,
	text   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS field_cols (
	name TEXT PRIMARY KEY
);
`

// SQLite is the default embedded backend: vectors live as blobs next to
// their indexed-field columns, the pre-filter runs as a SQL WHERE
// clause, and similarity ranking happens in-process.
//
// Indexed-field columns are added to the points table on demand as new
// fields arrive; the planner learns the current set via Capabilities.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger

	// mu guards the indexed-field set and serialises column creation.
	mu     sync.Mutex
	fields map[string]bool
	dim    int
}

// OpenSQLite opens or creates the sqlite backend in dir.
func OpenSQLite(dir string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000",
		filepath.Join(dir, indexFileName))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}

	s := &SQLite{db: db, logger: logger, fields: make(map[string]bool)}
	if err := s.loadFields(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) loadFields() error {
	rows, err := s.db.Query(`SELECT name FROM field_cols`)
	if err != nil {
		return fmt.Errorf("loading field columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning field column: %w", err)
		}
		s.fields[name] = true
	}
	return rows.Err()
}

// Configure records the dimension and model fingerprint on first use;
// afterwards it verifies the fingerprint only. The dim passed in is the
// one upserted vectors are checked against; the stored dim is not read.
func (s *SQLite) Configure(ctx context.Context, dim int, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.getConfig(ctx, "fingerprint")
	if err != nil {
		return err
	}
	if stored == "" {
		if err := s.setConfig(ctx, "fingerprint", fingerprint); err != nil {
			return err
		}
		if err := s.setConfig(ctx, "dim", fmt.Sprintf("%d", dim)); err != nil {
			return err
		}
		s.dim = dim
		return nil
	}
	if stored != fingerprint {
		return pverr.New(pverr.CodeModelMismatch,
			"index built with model %q, engine configured with %q", stored, fingerprint)
	}
	s.dim = dim
	return nil
}

func (s *SQLite) getConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading backend config %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) setConfig(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("writing backend config %s: %w", key, err)
	}
	return nil
}

// ensureColumns adds any missing indexed-field columns. Field names are
// validated before they reach DDL.
func (s *SQLite) ensureColumns(ctx context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		for f := range p.Fields {
			if s.fields[f] {
				continue
			}
			if err := sanitize.Field(f); err != nil {
				return pverr.Wrap(pverr.CodeInvalidRequest, err, "indexed field %q", f)
			}
			if _, err := s.db.ExecContext(ctx,
				fmt.Sprintf(`ALTER TABLE points ADD COLUMN [%s] TEXT`, f)); err != nil {
				return fmt.Errorf("adding field column %s: %w", f, err)
			}
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO field_cols (name) VALUES (?)`, f); err != nil {
				return fmt.Errorf("recording field column %s: %w", f, err)
			}
			s.fields[f] = true
		}
	}
	return nil
}

// Upsert writes the batch in one transaction.
func (s *SQLite) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.ensureColumns(ctx, points); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		if s.dim > 0 && len(p.Vector) != s.dim {
			return pverr.New(pverr.CodeModelMismatch,
				"vector for %s has dimension %d, index expects %d", p.RID, len(p.Vector), s.dim)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO points (rid, vector, text) VALUES (?, ?, ?)`,
			p.RID, encodeVector(p.Vector), p.Text); err != nil {
			return fmt.Errorf("upserting %s: %w", p.RID, err)
		}
		for f, v := range p.Fields {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE points SET [%s] = ? WHERE rid = ?`, f), v, p.RID); err != nil {
				return fmt.Errorf("writing field %s for %s: %w", f, p.RID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

// Delete removes the given rids in one transaction.
func (s *SQLite) Delete(ctx context.Context, rids []string) error {
	if len(rids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rids)), ",")
	args := make([]any, len(rids))
	for i, rid := range rids {
		args[i] = rid
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM points WHERE rid IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Search scans rows matching preFilterSQL and ranks them by cosine
// similarity, ties broken by ascending rid.
func (s *SQLite) Search(ctx context.Context, vector []float32, k int, preFilterSQL string) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `SELECT rid, vector, text FROM points`
	if preFilterSQL != "" {
		query += " WHERE " + preFilterSQL
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying points: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var rid, text string
		var blob []byte
		if err := rows.Scan(&rid, &blob, &text); err != nil {
			return nil, fmt.Errorf("scanning point: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector for %s: %w", rid, err)
		}
		hits = append(hits, Hit{
			RID:     rid,
			Score:   cosineSimilarity(vector, vec),
			Text:    text,
			HasText: true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating points: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RID < hits[j].RID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Capabilities reports native equality operators and the current
// indexed-field columns.
func (s *SQLite) Capabilities(ctx context.Context) (filter.Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexed := make(map[string]bool, len(s.fields))
	for f := range s.fields {
		indexed[f] = true
	}
	return filter.Capabilities{
		NativeOps:     map[filter.Kind]bool{filter.KindEq: true, filter.KindNeq: true},
		IndexedFields: indexed,
	}, nil
}

// Save checkpoints the WAL so the main database file is current.
func (s *SQLite) Save(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpointing index: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
