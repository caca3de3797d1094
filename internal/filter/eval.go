package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// evalFunc evaluates one condition kind against a metadata value.
type evalFunc func(actual string, present bool, c Cond) bool

// evalTable dispatches post-filter evaluation by operator tag. Filters
// are never evaluated by constructing and executing expression strings.
var evalTable map[Kind]evalFunc

func init() {
	evalTable = map[Kind]evalFunc{
		KindEq:       evalEq,
		KindNeq:      evalNeq,
		KindCmp:      evalCmp,
		KindWildcard: evalWildcard,
		KindOr:       evalOr,
	}
}

// cmpTable maps comparison operators to their accepted orderings, where
// the ordering is the sign of compare(actual, operand).
var cmpTable = map[CmpOp]func(int) bool{
	CmpGT:  func(n int) bool { return n > 0 },
	CmpGTE: func(n int) bool { return n >= 0 },
	CmpLT:  func(n int) bool { return n < 0 },
	CmpLTE: func(n int) bool { return n <= 0 },
}

// Eval reports whether meta satisfies every condition in post. A
// condition on a field absent from meta fails: unknown fields exclude
// the hit rather than silently passing.
func Eval(post []Cond, meta map[string]any) bool {
	for _, c := range post {
		raw, ok := meta[c.Field]
		actual := ""
		if ok {
			actual = metaString(raw)
		}
		fn := evalTable[c.Kind]
		if fn == nil || !fn(actual, ok, c) {
			return false
		}
	}
	return true
}

func evalEq(actual string, present bool, c Cond) bool {
	return present && actual == c.Value
}

func evalNeq(actual string, present bool, c Cond) bool {
	return present && actual != c.Value
}

func evalCmp(actual string, present bool, c Cond) bool {
	if !present {
		return false
	}
	accept := cmpTable[c.Cmp]
	if accept == nil {
		return false
	}

	// Numeric comparison when both sides parse as numbers, datetime when
	// both parse as timestamps. Mixed or unparseable operands fail.
	if an, err1 := strconv.ParseFloat(actual, 64); err1 == nil {
		if bn, err2 := strconv.ParseFloat(c.Value, 64); err2 == nil {
			switch {
			case an > bn:
				return accept(1)
			case an < bn:
				return accept(-1)
			default:
				return accept(0)
			}
		}
		return false
	}
	at, err1 := parseTime(actual)
	bt, err2 := parseTime(c.Value)
	if err1 != nil || err2 != nil {
		return false
	}
	switch {
	case at.After(bt):
		return accept(1)
	case at.Before(bt):
		return accept(-1)
	default:
		return accept(0)
	}
}

func evalWildcard(actual string, present bool, c Cond) bool {
	return present && globMatch(c.Value, actual)
}

func evalOr(actual string, present bool, c Cond) bool {
	for _, sub := range c.Or {
		fn := evalTable[sub.Kind]
		if fn != nil && fn(actual, present, sub) {
			return true
		}
	}
	return false
}

// timeLayouts are the accepted datetime operand formats.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised datetime %q", s)
}

// globMatch matches pattern against s, where * matches any run of
// characters. Segments between stars must appear in order; the match is
// anchored at whichever ends lack a star.
func globMatch(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}

	if segments[0] != "" {
		if !strings.HasPrefix(s, segments[0]) {
			return false
		}
		s = s[len(segments[0]):]
	}
	last := segments[len(segments)-1]
	if last != "" {
		if !strings.HasSuffix(s, last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(s, seg)
		if idx < 0 {
			return false
		}
		s = s[idx+len(seg):]
	}
	return true
}

// metaString renders a metadata value for comparison. JSON decoding
// yields strings, float64s, and bools; integral floats print without a
// fractional part so "2" compares equal to 2.
func metaString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
