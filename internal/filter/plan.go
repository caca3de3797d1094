package filter

import (
	"strings"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/sanitize"
)

// Plan is the split of a filter expression: PreSQL goes into the
// backend's k-NN query, Post is evaluated against hydrated metadata.
// The pre-filter is a necessary condition for the post-filter, so the
// backend always returns a superset of the final result.
type Plan struct {
	PreSQL string
	Pre    []Cond
	Post   []Cond
}

// Capabilities describes what a backend can evaluate natively.
type Capabilities struct {
	// NativeOps is the set of condition kinds the backend's query layer
	// supports in its pre-filter.
	NativeOps map[Kind]bool

	// IndexedFields is the set of fields denormalised into the backend
	// index. Conditions on other fields cannot be pushed down.
	IndexedFields map[string]bool
}

// Build splits conds against the backend capabilities.
//
// Routing rules: a non-negated literal on an indexed field becomes
// `[field] = 'value'`; a negated literal becomes `[field] <> 'value'`;
// wildcards, comparisons, OR-lists, and unknown fields all go to the
// post-filter.
func Build(conds []Cond, caps Capabilities) (*Plan, error) {
	plan := &Plan{}
	var clauses []string

	for _, c := range conds {
		sql, native, err := renderPre(c, caps)
		if err != nil {
			return nil, err
		}
		if native {
			plan.Pre = append(plan.Pre, c)
			clauses = append(clauses, sql)
		} else {
			plan.Post = append(plan.Post, c)
		}
	}

	plan.PreSQL = strings.Join(clauses, " AND ")
	return plan, nil
}

// renderPre renders c as a backend SQL clause if the backend supports
// it natively, otherwise reports native=false.
func renderPre(c Cond, caps Capabilities) (sql string, native bool, err error) {
	if !caps.IndexedFields[c.Field] {
		return "", false, nil
	}

	switch c.Kind {
	case KindEq:
		if !caps.NativeOps[KindEq] {
			return "", false, nil
		}
		lit, err := sanitize.QuoteLiteral(c.Value)
		if err != nil {
			return "", false, pverr.Wrap(pverr.CodeInvalidFilter, err, "filter value for %q", c.Field)
		}
		return "[" + c.Field + "] = " + lit, true, nil
	case KindNeq:
		if !caps.NativeOps[KindNeq] {
			return "", false, nil
		}
		lit, err := sanitize.QuoteLiteral(c.Value)
		if err != nil {
			return "", false, pverr.Wrap(pverr.CodeInvalidFilter, err, "filter value for %q", c.Field)
		}
		return "[" + c.Field + "] <> " + lit, true, nil
	default:
		return "", false, nil
	}
}
