package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/backend"
	"github.com/rodrigopitanga/patchvec/internal/metadata"
	"github.com/rodrigopitanga/patchvec/internal/opslog"
	"github.com/rodrigopitanga/patchvec/internal/preprocess"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/sanitize"
	"github.com/rodrigopitanga/patchvec/internal/service"
)

// embedBatchSize bounds one embedder call during ingest.
const embedBatchSize = 64

// IngestDocument preprocesses, embeds, and indexes one document,
// atomically replacing any prior version of the same docid.
func (e *Engine) IngestDocument(ctx context.Context, tenant, name string, req service.IngestRequest) (res *service.IngestResult, err error) {
	start := time.Now()
	docid := req.DocID
	defer func() {
		ev := opslog.Event{Op: "ingest", Tenant: tenant, Collection: name, DocID: docid}
		if res != nil {
			ev.Chunks = opslog.Int(res.Chunks)
		}
		e.emit(ev, start, err)
	}()

	if int64(len(req.Data)) > e.cfg.Limits.Ingest.MaxBytes {
		return nil, pverr.New(pverr.CodeTooLarge,
			"payload of %d bytes exceeds limit of %d", len(req.Data), e.cfg.Limits.Ingest.MaxBytes)
	}

	release, err := e.adm.acquireIngest(tenant)
	if err != nil {
		return nil, err
	}
	defer release()

	col, err := e.get(tenant, name)
	if err != nil {
		return nil, err
	}

	docid, err = resolveDocID(req)
	if err != nil {
		return nil, err
	}

	prep, err := preprocess.Process(docid, preprocess.Source{
		Data:        req.Data,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		CSV: preprocess.CSVOptions{
			HasHeader:   req.CSVHasHeader,
			MetaCols:    req.CSVMetaCols,
			IncludeCols: req.CSVIncludeCols,
		},
	}, preprocess.TxtOptions{Size: e.cfg.Chunk.Txt.Size, Overlap: e.cfg.Chunk.Txt.Overlap})
	if err != nil {
		return nil, err
	}
	if len(prep.Chunks) == 0 {
		return nil, pverr.New(pverr.CodeInvalidRequest, "document %q produced no chunks", docid)
	}

	docMeta := mergeDocMeta(prep.DocMeta, req.Metadata)
	indexed := indexedFields(req.Metadata, e.logger)

	if err = col.lockReady(); err != nil {
		return nil, err
	}
	col.state.Store(stateWriting)
	defer func() {
		col.state.CompareAndSwap(stateWriting, stateReady)
		col.mu.Unlock()
	}()

	// Purge the prior version before writing the new one. The metadata
	// rows are written after the vectors: their transactional replacement
	// is the commit point readers observe. Sidecar texts follow it.
	oldRids, err := col.meta.GetRIDs(ctx, docid)
	if err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "reading prior version")
	}
	if len(oldRids) > 0 {
		if err = col.backend.Delete(ctx, oldRids); err != nil {
			return nil, pverr.Wrap(pverr.CodeInternal, err, "purging prior vectors")
		}
		if err = col.sidecar.Delete(oldRids); err != nil {
			return nil, pverr.Wrap(pverr.CodeInternal, err, "purging prior sidecar")
		}
	}

	points, err := e.embedChunks(ctx, col, prep.Chunks, indexed)
	if err != nil {
		return nil, err
	}

	if err = col.backend.Upsert(ctx, points); err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "upserting vectors")
	}

	rows := make([]metadata.ChunkRow, len(prep.Chunks))
	newRids := make([]string, len(prep.Chunks))
	for i, c := range prep.Chunks {
		rows[i] = metadata.ChunkRow{RID: c.RID, Ordinal: c.Ordinal, Meta: c.Meta}
		newRids[i] = c.RID
	}
	version, err := col.meta.UpsertChunks(ctx, docid, rows, docMeta)
	if err != nil {
		// The backend upsert succeeded but the metadata commit did not:
		// roll the vectors back before releasing the lock so the
		// substores stay in agreement.
		if rbErr := col.backend.Delete(ctx, newRids); rbErr != nil {
			e.logger.Error("rollback of backend upsert failed",
				zap.String("docid", docid), zap.Error(rbErr))
		}
		return nil, pverr.Wrap(pverr.CodeInternal, err, "writing metadata")
	}

	for _, c := range prep.Chunks {
		if err = col.sidecar.Write(c.RID, c.Text); err != nil {
			return nil, pverr.Wrap(pverr.CodeInternal, err, "writing sidecar")
		}
	}

	e.logger.Info("document ingested",
		zap.String("tenant", tenant), zap.String("collection", name),
		zap.String("docid", docid), zap.Int("chunks", len(prep.Chunks)), zap.Int("version", version))

	return &service.IngestResult{
		DocID:     docid,
		Chunks:    len(prep.Chunks),
		Version:   version,
		LatencyMS: latencyMS(start),
	}, nil
}

// embedChunks embeds chunk texts in batches and assembles backend points.
func (e *Engine) embedChunks(ctx context.Context, col *Collection, chunks []preprocess.Chunk, indexed map[string]string) ([]backend.Point, error) {
	emb := e.embedderFor(col.tenant, col.name)
	points := make([]backend.Point, 0, len(chunks))

	for lo := 0; lo < len(chunks); lo += embedBatchSize {
		hi := lo + embedBatchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		texts := make([]string, hi-lo)
		for i, c := range chunks[lo:hi] {
			texts[i] = c.Text
		}
		vecs, err := emb.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, pverr.Wrap(pverr.CodeInternal, err, "embedding chunk batch")
		}
		for i, c := range chunks[lo:hi] {
			points = append(points, backend.Point{
				RID:    c.RID,
				Vector: vecs[i],
				Fields: indexed,
				Text:   c.Text,
			})
		}
	}
	return points, nil
}

// DeleteDocument removes a document's chunks from the backend, the
// metadata store, and the sidecar. Idempotent: a missing docid reports
// zero chunks deleted.
func (e *Engine) DeleteDocument(ctx context.Context, tenant, name, docid string) (res *service.DeleteDocResult, err error) {
	start := time.Now()
	defer func() { e.emit(opslog.Event{Op: "delete_doc", Tenant: tenant, Collection: name, DocID: docid}, start, err) }()

	if err = sanitize.DocID(docid); err != nil {
		return nil, pverr.Wrap(pverr.CodeInvalidRequest, err, "docid")
	}
	col, err := e.get(tenant, name)
	if err != nil {
		return nil, err
	}
	if err = col.lockReady(); err != nil {
		return nil, err
	}
	defer col.mu.Unlock()

	rids, err := col.meta.DeleteDoc(ctx, docid)
	if err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "deleting metadata")
	}
	if len(rids) > 0 {
		if err = col.backend.Delete(ctx, rids); err != nil {
			return nil, pverr.Wrap(pverr.CodeInternal, err, "deleting vectors")
		}
		if err = col.sidecar.Delete(rids); err != nil {
			return nil, pverr.Wrap(pverr.CodeInternal, err, "deleting sidecar")
		}
	}

	return &service.DeleteDocResult{ChunksDeleted: len(rids), LatencyMS: latencyMS(start)}, nil
}

// resolveDocID applies the docid precedence: explicit, filename-derived,
// generated UUID.
func resolveDocID(req service.IngestRequest) (string, error) {
	if req.DocID != "" {
		if err := sanitize.DocID(req.DocID); err != nil {
			return "", pverr.Wrap(pverr.CodeInvalidRequest, err, "docid")
		}
		return req.DocID, nil
	}
	if req.Filename != "" {
		base := filepath.Base(req.Filename)
		if err := sanitize.DocID(base); err == nil {
			return base, nil
		}
	}
	return uuid.NewString(), nil
}

// mergeDocMeta layers caller metadata over the preprocessor's document
// metadata; caller fields win.
func mergeDocMeta(prep, caller map[string]any) map[string]any {
	merged := make(map[string]any, len(prep)+len(caller))
	for k, v := range prep {
		merged[k] = v
	}
	for k, v := range caller {
		merged[k] = v
	}
	return merged
}

// indexedFields selects caller metadata to denormalise into the backend
// as pre-filter columns: scalar values whose field names survive
// sanitisation. Everything else stays post-filter-only.
func indexedFields(callerMeta map[string]any, logger *zap.Logger) map[string]string {
	if len(callerMeta) == 0 {
		return nil
	}
	fields := make(map[string]string, len(callerMeta))
	for k, v := range callerMeta {
		if err := sanitize.Field(k); err != nil {
			logger.Debug("metadata field not indexed", zap.String("field", k), zap.Error(err))
			continue
		}
		switch v.(type) {
		case string, float64, int, int64, bool:
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
