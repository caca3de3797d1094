package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

func TestParseSpecifiers(t *testing.T) {
	conds, err := Parse(map[string]any{
		"lang":  "en",
		"state": "!draft",
		"page":  ">2",
		"score": "<=10",
		"title": "intro*",
	})
	require.NoError(t, err)
	require.Len(t, conds, 5)

	byField := map[string]Cond{}
	for _, c := range conds {
		byField[c.Field] = c
	}

	assert.Equal(t, KindEq, byField["lang"].Kind)
	assert.Equal(t, "en", byField["lang"].Value)

	assert.Equal(t, KindNeq, byField["state"].Kind)
	assert.Equal(t, "draft", byField["state"].Value)

	assert.Equal(t, KindCmp, byField["page"].Kind)
	assert.Equal(t, CmpGT, byField["page"].Cmp)
	assert.Equal(t, "2", byField["page"].Value)

	assert.Equal(t, CmpLTE, byField["score"].Cmp)

	assert.Equal(t, KindWildcard, byField["title"].Kind)
}

func TestParseOrList(t *testing.T) {
	conds, err := Parse(map[string]any{"lang": []any{"en", "pt"}})
	require.NoError(t, err)
	require.Len(t, conds, 1)
	require.Equal(t, KindOr, conds[0].Kind)
	require.Len(t, conds[0].Or, 2)
	assert.Equal(t, KindEq, conds[0].Or[0].Kind)
}

func TestParseRejectsBadFields(t *testing.T) {
	_, err := Parse(map[string]any{"lang name": "en"})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidFilter))

	_, err = Parse(map[string]any{"lang;drop": "en"})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidFilter))

	_, err = Parse(map[string]any{"lang": []any{}})
	assert.True(t, pverr.IsCode(err, pverr.CodeInvalidFilter))
}

func TestParseDeterministicOrder(t *testing.T) {
	for i := 0; i < 10; i++ {
		conds, err := Parse(map[string]any{"b": "2", "a": "1", "c": "3"})
		require.NoError(t, err)
		assert.Equal(t, "a", conds[0].Field)
		assert.Equal(t, "b", conds[1].Field)
		assert.Equal(t, "c", conds[2].Field)
	}
}

func sqliteCaps(fields ...string) Capabilities {
	indexed := make(map[string]bool, len(fields))
	for _, f := range fields {
		indexed[f] = true
	}
	return Capabilities{
		NativeOps:     map[Kind]bool{KindEq: true, KindNeq: true},
		IndexedFields: indexed,
	}
}

func TestBuildRoutesEqToPre(t *testing.T) {
	conds, err := Parse(map[string]any{"lang": "en"})
	require.NoError(t, err)

	plan, err := Build(conds, sqliteCaps("lang"))
	require.NoError(t, err)
	assert.Equal(t, "[lang] = 'en'", plan.PreSQL)
	assert.Empty(t, plan.Post)
}

func TestBuildRoutesNeqToPre(t *testing.T) {
	conds, err := Parse(map[string]any{"lang": "!en"})
	require.NoError(t, err)

	plan, err := Build(conds, sqliteCaps("lang"))
	require.NoError(t, err)
	assert.Equal(t, "[lang] <> 'en'", plan.PreSQL)
	assert.Empty(t, plan.Post)
}

func TestBuildRoutesComparisonsToPost(t *testing.T) {
	conds, err := Parse(map[string]any{"page": ">2"})
	require.NoError(t, err)

	plan, err := Build(conds, sqliteCaps("page"))
	require.NoError(t, err)
	assert.Empty(t, plan.PreSQL)
	require.Len(t, plan.Post, 1)
	assert.Equal(t, KindCmp, plan.Post[0].Kind)
}

func TestBuildUnknownFieldGoesPost(t *testing.T) {
	conds, err := Parse(map[string]any{"mystery": "x"})
	require.NoError(t, err)

	plan, err := Build(conds, sqliteCaps("lang"))
	require.NoError(t, err)
	assert.Empty(t, plan.PreSQL)
	require.Len(t, plan.Post, 1)
}

func TestBuildNoNativeOps(t *testing.T) {
	conds, err := Parse(map[string]any{"lang": "en"})
	require.NoError(t, err)

	plan, err := Build(conds, Capabilities{IndexedFields: map[string]bool{"lang": true}})
	require.NoError(t, err)
	assert.Empty(t, plan.PreSQL)
	require.Len(t, plan.Post, 1)
}

func TestBuildEscapesLiterals(t *testing.T) {
	conds, err := Parse(map[string]any{"title": "o'reilly"})
	require.NoError(t, err)

	plan, err := Build(conds, sqliteCaps("title"))
	require.NoError(t, err)
	assert.Equal(t, "[title] = 'o''reilly'", plan.PreSQL)
}

func TestBuildMultipleClauses(t *testing.T) {
	conds, err := Parse(map[string]any{"lang": "en", "state": "final"})
	require.NoError(t, err)

	plan, err := Build(conds, sqliteCaps("lang", "state"))
	require.NoError(t, err)
	assert.Equal(t, "[lang] = 'en' AND [state] = 'final'", plan.PreSQL)
}

func TestEvalOperators(t *testing.T) {
	meta := map[string]any{
		"lang":     "en",
		"page":     float64(3),
		"title":    "introduction to whales",
		"ingested": "2024-06-01T10:00:00Z",
	}

	tests := []struct {
		name    string
		filters map[string]any
		want    bool
	}{
		{"eq match", map[string]any{"lang": "en"}, true},
		{"eq miss", map[string]any{"lang": "pt"}, false},
		{"neq match", map[string]any{"lang": "!pt"}, true},
		{"neq miss", map[string]any{"lang": "!en"}, false},
		{"gt match", map[string]any{"page": ">2"}, true},
		{"gt miss", map[string]any{"page": ">3"}, false},
		{"gte boundary", map[string]any{"page": ">=3"}, true},
		{"lt match", map[string]any{"page": "<4"}, true},
		{"lte boundary", map[string]any{"page": "<=3"}, true},
		{"wildcard prefix", map[string]any{"title": "intro*"}, true},
		{"wildcard suffix", map[string]any{"title": "*whales"}, true},
		{"wildcard contains", map[string]any{"title": "*duction*"}, true},
		{"wildcard miss", map[string]any{"title": "conclusion*"}, false},
		{"datetime after", map[string]any{"ingested": ">2024-01-01"}, true},
		{"datetime before", map[string]any{"ingested": "<2024-01-01"}, false},
		{"or hit", map[string]any{"lang": []any{"en", "pt"}}, true},
		{"or miss", map[string]any{"lang": []any{"fr", "pt"}}, false},
		{"or mixed kinds", map[string]any{"page": []any{"1", ">2"}}, true},
		{"unknown field excludes", map[string]any{"nonexistent": "x"}, false},
		{"unknown field cmp excludes", map[string]any{"nonexistent": ">1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conds, err := Parse(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Eval(conds, meta))
		})
	}
}

func TestEvalNumericStringMeta(t *testing.T) {
	// Chunk metadata decoded from JSON stores numbers as float64, but
	// CSV-projected fields arrive as strings; both must compare.
	conds, err := Parse(map[string]any{"page": ">2"})
	require.NoError(t, err)
	assert.True(t, Eval(conds, map[string]any{"page": "3"}))
	assert.False(t, Eval(conds, map[string]any{"page": "2"}))
}

func TestDescribe(t *testing.T) {
	conds, err := Parse(map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, "lang=en", conds[0].Describe())

	conds, err = Parse(map[string]any{"page": ">2"})
	require.NoError(t, err)
	assert.Equal(t, "page>2", conds[0].Describe())

	conds, err = Parse(map[string]any{"lang": []any{"en", "pt"}})
	require.NoError(t, err)
	assert.Equal(t, "lang=en|lang=pt", conds[0].Describe())
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("abc", "abc"))
	assert.False(t, globMatch("abc", "abcd"))
	assert.True(t, globMatch("a*", "abcd"))
	assert.True(t, globMatch("*d", "abcd"))
	assert.True(t, globMatch("a*d", "abcd"))
	assert.False(t, globMatch("a*x", "abcd"))
	assert.True(t, globMatch("*b*c*", "abcd"))
	assert.True(t, globMatch("*", "anything"))
}
