package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/backend"
	"github.com/rodrigopitanga/patchvec/internal/embeddings"
	"github.com/rodrigopitanga/patchvec/internal/filter"
	"github.com/rodrigopitanga/patchvec/internal/metadata"
	"github.com/rodrigopitanga/patchvec/internal/metrics"
	"github.com/rodrigopitanga/patchvec/internal/opslog"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/service"
)

// Search embeds the query, runs the pre-filtered k-NN under the
// collection lock, hydrates and post-filters candidates outside it, and
// packages the top k with provenance.
func (e *Engine) Search(ctx context.Context, tenant, name string, req service.SearchRequest) (res *service.SearchResult, err error) {
	start := time.Now()
	defer func() {
		ev := opslog.Event{Op: "search", Tenant: tenant, Collection: name, RequestID: req.RequestID, K: opslog.Int(req.K)}
		if res != nil {
			ev.Hits = opslog.Int(len(res.Matches))
		}
		e.emit(ev, start, err)
	}()

	if req.Query == "" {
		return nil, pverr.New(pverr.CodeInvalidRequest, "query must not be empty")
	}
	if req.K <= 0 {
		return nil, pverr.New(pverr.CodeInvalidRequest, "k must be positive, got %d", req.K)
	}

	release, err := e.adm.acquireSearch(tenant)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout())
	defer cancel()

	col, err := e.get(tenant, name)
	if err != nil {
		return nil, err
	}

	conds, err := filter.Parse(req.Filters)
	if err != nil {
		return nil, err
	}
	caps, err := col.backend.Capabilities(ctx)
	if err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "reading backend capabilities")
	}
	plan, err := filter.Build(conds, caps)
	if err != nil {
		return nil, err
	}

	// The query is embedded outside the collection lock.
	qvec, err := e.embedderFor(tenant, name).EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, searchFailure(err, nil)
	}

	overfetch := 1
	if len(plan.Post) > 0 {
		overfetch = e.cfg.Search.Overfetch
	}

	if err = col.lockReady(); err != nil {
		return nil, err
	}
	hits, searchErr := col.backend.Search(ctx, qvec, req.K*overfetch, plan.PreSQL)
	col.mu.Unlock()
	if searchErr != nil {
		return nil, searchFailure(searchErr, nil)
	}

	matches, truncated, err := e.assemble(ctx, col, hits, plan, req)
	if err != nil {
		return nil, err
	}

	metrics.SearchHits.Observe(float64(len(matches)))
	return &service.SearchResult{
		Matches:   matches,
		LatencyMS: latencyMS(start),
		RequestID: req.RequestID,
		Truncated: truncated,
	}, nil
}

// assemble hydrates, post-filters, ranks, and packages candidates. A
// deadline hit mid-way degrades to a truncated result when any
// candidates exist.
func (e *Engine) assemble(ctx context.Context, col *Collection, hits []backend.Hit, plan *filter.Plan, req service.SearchRequest) ([]service.Match, bool, error) {
	rids := make([]string, len(hits))
	for i, h := range hits {
		rids[i] = h.RID
	}

	truncated := false
	hydrated, err := col.meta.GetMetaBatch(ctx, rids)
	if err != nil {
		if !isDeadline(err) || len(hits) == 0 {
			return nil, false, searchFailure(err, hits)
		}
		// Deadline during hydration: degrade to backend payloads only.
		truncated = true
		hydrated = map[string]metadata.Hydrated{}
	}

	queryTokens := embeddings.Tokenize(req.Query)
	var matches []service.Match
	for _, h := range hits {
		hyd, ok := hydrated[h.RID]
		switch {
		case ok:
		case truncated && len(plan.Post) == 0:
			// Degraded hydration keeps the candidate: its docid is
			// recoverable from the rid, richer metadata is not.
			hyd = metadata.Hydrated{DocID: docidFromRID(h.RID), Meta: map[string]any{}}
		default:
			// A rid the metadata store cannot see is mid-delete; it
			// cannot satisfy post-filters or carry provenance.
			e.logger.Warn("hit missing from metadata store", zap.String("rid", h.RID))
			continue
		}
		if !filter.Eval(plan.Post, hyd.Meta) {
			continue
		}

		text := h.Text
		if !h.HasText {
			if text, err = col.sidecar.Read(h.RID); err != nil {
				e.logger.Warn("sidecar fallback failed", zap.String("rid", h.RID), zap.Error(err))
				continue
			}
		}

		matches = append(matches, service.Match{
			ID:          h.RID,
			Score:       h.Score,
			Text:        text,
			Meta:        hyd.Meta,
			MatchReason: matchReason(plan, queryTokens, text),
			DocID:       hyd.DocID,
			Page:        metaInt(hyd.Meta, "page"),
			Offset:      metaInt(hyd.Meta, "offset"),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > req.K {
		matches = matches[:req.K]
	}
	return matches, truncated, nil
}

// searchFailure maps a failed search stage to the error contract: a
// deadline with zero candidates is timeout, a structured pverr error
// keeps its code, and everything else is internal.
func searchFailure(err error, hits []backend.Hit) error {
	if isDeadline(err) && len(hits) == 0 {
		return pverr.New(pverr.CodeTimeout, "search exceeded its deadline before finding candidates")
	}
	if pe := new(pverr.Error); errors.As(err, &pe) {
		return err
	}
	return pverr.Wrap(pverr.CodeInternal, err, "search failed")
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// matchReason explains deterministically which filters constrained the
// hit and which query terms appear in its text.
func matchReason(plan *filter.Plan, queryTokens []string, text string) string {
	var parts []string

	var filters []string
	for _, c := range plan.Pre {
		filters = append(filters, c.Describe())
	}
	for _, c := range plan.Post {
		filters = append(filters, c.Describe())
	}
	if len(filters) > 0 {
		parts = append(parts, "matched filter "+strings.Join(filters, ", "))
	}

	textTokens := make(map[string]bool)
	for _, tok := range embeddings.Tokenize(text) {
		textTokens[tok] = true
	}
	var present []string
	seen := make(map[string]bool)
	for _, tok := range queryTokens {
		if textTokens[tok] && !seen[tok] {
			present = append(present, tok)
			seen[tok] = true
		}
	}
	if len(present) > 0 {
		parts = append(parts, "query terms: "+strings.Join(present, ", "))
	}

	if len(parts) == 0 {
		return "semantic similarity"
	}
	return strings.Join(parts, "; ")
}

// docidFromRID strips the ::ordinal suffix from a rid.
func docidFromRID(rid string) string {
	if i := strings.LastIndex(rid, "::"); i >= 0 {
		return rid[:i]
	}
	return rid
}

// metaInt extracts an integral metadata value as an int pointer.
func metaInt(meta map[string]any, key string) *int {
	switch v := meta[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	default:
		return nil
	}
}
