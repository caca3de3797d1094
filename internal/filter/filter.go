// Package filter parses search filter expressions and splits them into
// a backend pre-filter and an in-process post-filter.
//
// A filter expression maps field names to value specifiers:
//
//	{"lang": "en"}          literal equality
//	{"lang": "!en"}         negated literal
//	{"title": "intro*"}     wildcard (prefix, suffix, or fuzzy)
//	{"page": ">2"}          numeric comparison (>, >=, <, <=)
//	{"ingested": ">=2024-01-01"}  datetime comparison
//	{"lang": ["en", "pt"]}  OR-list
//
// The planner pushes what the backend natively supports into the
// pre-filter SQL and routes everything else to the post-filter. A filter
// is never silently dropped: post-filter evaluation excludes hits whose
// metadata does not satisfy every remaining condition, including
// conditions on fields the metadata does not carry.
package filter

import (
	"fmt"
	"strings"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
	"github.com/rodrigopitanga/patchvec/internal/sanitize"
)

// Kind tags a condition with its operator class.
type Kind int

const (
	// KindEq is literal equality.
	KindEq Kind = iota

	// KindNeq is negated literal equality.
	KindNeq

	// KindCmp is numeric or datetime comparison.
	KindCmp

	// KindWildcard is prefix/suffix/fuzzy matching.
	KindWildcard

	// KindOr is an OR-list of sub-conditions on the same field.
	KindOr
)

// CmpOp is a comparison operator for KindCmp conditions.
type CmpOp string

const (
	CmpGT  CmpOp = ">"
	CmpGTE CmpOp = ">="
	CmpLT  CmpOp = "<"
	CmpLTE CmpOp = "<="
)

// Cond is one parsed filter condition.
type Cond struct {
	Field string
	Kind  Kind

	// Value is the literal for eq/neq, the pattern for wildcard, and
	// the right-hand operand for comparisons.
	Value string

	// Cmp is set for KindCmp.
	Cmp CmpOp

	// Or holds the sub-conditions of a KindOr list.
	Or []Cond
}

// Parse converts a raw filter map (typically decoded JSON) into
// conditions. Field names are validated here; values are validated when
// rendered or evaluated.
func Parse(filters map[string]any) ([]Cond, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	conds := make([]Cond, 0, len(filters))
	for field, raw := range filters {
		if err := sanitize.Field(field); err != nil {
			return nil, pverr.Wrap(pverr.CodeInvalidFilter, err, "filter field %q", field)
		}
		cond, err := parseValue(field, raw)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	// Map iteration order is random; keep planning deterministic.
	sortConds(conds)
	return conds, nil
}

func parseValue(field string, raw any) (Cond, error) {
	switch v := raw.(type) {
	case string:
		return parseSpecifier(field, v), nil
	case float64, int, int64, bool:
		return Cond{Field: field, Kind: KindEq, Value: fmt.Sprintf("%v", v)}, nil
	case []any:
		if len(v) == 0 {
			return Cond{}, pverr.New(pverr.CodeInvalidFilter, "empty OR-list for field %q", field)
		}
		or := make([]Cond, 0, len(v))
		for _, item := range v {
			sub, err := parseValue(field, item)
			if err != nil {
				return Cond{}, err
			}
			if sub.Kind == KindOr {
				return Cond{}, pverr.New(pverr.CodeInvalidFilter, "nested OR-list for field %q", field)
			}
			or = append(or, sub)
		}
		return Cond{Field: field, Kind: KindOr, Or: or}, nil
	default:
		return Cond{}, pverr.New(pverr.CodeInvalidFilter, "unsupported filter value for field %q", field)
	}
}

// parseSpecifier decodes the string specifier grammar.
func parseSpecifier(field, s string) Cond {
	switch {
	case strings.HasPrefix(s, "!"):
		return Cond{Field: field, Kind: KindNeq, Value: s[1:]}
	case strings.HasPrefix(s, ">="):
		return Cond{Field: field, Kind: KindCmp, Cmp: CmpGTE, Value: s[2:]}
	case strings.HasPrefix(s, "<="):
		return Cond{Field: field, Kind: KindCmp, Cmp: CmpLTE, Value: s[2:]}
	case strings.HasPrefix(s, ">"):
		return Cond{Field: field, Kind: KindCmp, Cmp: CmpGT, Value: s[1:]}
	case strings.HasPrefix(s, "<"):
		return Cond{Field: field, Kind: KindCmp, Cmp: CmpLT, Value: s[1:]}
	case strings.Contains(s, "*"):
		return Cond{Field: field, Kind: KindWildcard, Value: s}
	default:
		return Cond{Field: field, Kind: KindEq, Value: s}
	}
}

// Describe renders a condition for match_reason strings.
func (c Cond) Describe() string {
	switch c.Kind {
	case KindEq:
		return c.Field + "=" + c.Value
	case KindNeq:
		return c.Field + "!=" + c.Value
	case KindCmp:
		return c.Field + string(c.Cmp) + c.Value
	case KindWildcard:
		return c.Field + "~" + c.Value
	case KindOr:
		parts := make([]string, len(c.Or))
		for i, sub := range c.Or {
			parts[i] = sub.Describe()
		}
		return strings.Join(parts, "|")
	}
	return c.Field
}

func sortConds(conds []Cond) {
	for i := 1; i < len(conds); i++ {
		for j := i; j > 0 && conds[j].Field < conds[j-1].Field; j-- {
			conds[j], conds[j-1] = conds[j-1], conds[j]
		}
	}
}
