package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Payload: map[string]interface{}{
			"count": float64(3),
			"user":  map[string]interface{}{"name": "ada"},
			"items": []interface{}{"a", "b"},
		},
		Trigger: map[string]interface{}{
			"subtype": "WEBHOOK",
		},
		StaticData: map[string]interface{}{
			"channel": "#jokes",
		},
		NodeOutputs: map[string]interface{}{
			"ai": map[string]interface{}{
				"content": "a joke",
				"usage":   map[string]interface{}{"total_tokens": float64(12)},
			},
		},
		EnvPrefix: "WF_",
	}
}

func TestResolveWholeStringKeepsType(t *testing.T) {
	ctx := testContext()

	v, warnings := Parse("{{payload.count}}").Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, float64(3), v)

	v, warnings = Parse("{{payload.user}}").Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, map[string]interface{}{"name": "ada"}, v)
}

func TestResolveMixedFoldsToString(t *testing.T) {
	ctx := testContext()

	v, warnings := Parse("total: {{payload.count}} for {{payload.user.name}}").Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, "total: 3 for ada", v)
}

func TestResolveUnresolvedPathWarnsAndNulls(t *testing.T) {
	ctx := testContext()

	v, warnings := Parse("{{payload.missing.deep}}").Resolve(ctx)
	assert.Nil(t, v)
	assert.Equal(t, []string{"payload.missing.deep"}, warnings)

	// Mixed templates drop the missing part but keep resolving the rest.
	v, warnings = Parse("x={{payload.missing}} y={{payload.count}}").Resolve(ctx)
	assert.Equal(t, "x= y=3", v)
	assert.Equal(t, []string{"payload.missing"}, warnings)
}

func TestResolveDelimiterStyles(t *testing.T) {
	ctx := testContext()

	for _, tpl := range []string{"{{payload.count}}", "${payload.count}", "<%payload.count%>"} {
		v, warnings := Parse(tpl).Resolve(ctx)
		require.Empty(t, warnings, tpl)
		assert.Equal(t, float64(3), v, tpl)
	}
}

func TestResolveNodeOutputPath(t *testing.T) {
	ctx := testContext()

	v, warnings := Parse(`{{$node["ai"].json.content}}`).Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, "a joke", v)

	v, warnings = Parse(`{{$node["ai"].json.usage.total_tokens}}`).Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, float64(12), v)

	_, warnings = Parse(`{{$node["absent"].json.content}}`).Resolve(ctx)
	assert.Len(t, warnings, 1)
}

func TestResolveArrayIndexing(t *testing.T) {
	ctx := testContext()

	v, warnings := Parse("{{payload.items[1]}}").Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, "b", v)
}

func TestResolveStaticDataAndTrigger(t *testing.T) {
	ctx := testContext()

	v, _ := Parse("{{workflow.static_data.channel}}").Resolve(ctx)
	assert.Equal(t, "#jokes", v)

	v, _ = Parse("{{trigger.subtype}}").Resolve(ctx)
	assert.Equal(t, "WEBHOOK", v)
}

func TestResolveEnvRespectsPrefixAllowlist(t *testing.T) {
	t.Setenv("WF_TOKEN", "abc")
	t.Setenv("SECRET_TOKEN", "nope")
	ctx := testContext()

	v, warnings := Parse("{{env.WF_TOKEN}}").Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, "abc", v)

	v, warnings = Parse("{{env.SECRET_TOKEN}}").Resolve(ctx)
	assert.Nil(t, v)
	assert.Len(t, warnings, 1)
}

func TestResolveValueWalksContainers(t *testing.T) {
	ctx := testContext()

	resolved, warnings := ResolveValue(map[string]interface{}{
		"text":  "🎭 {{$node[\"ai\"].json.content}}",
		"count": "{{payload.count}}",
		"list":  []interface{}{"{{trigger.subtype}}", "literal"},
		"plain": float64(7),
	}, ctx)
	require.Empty(t, warnings)

	out := resolved.(map[string]interface{})
	assert.Equal(t, "🎭 a joke", out["text"])
	assert.Equal(t, float64(3), out["count"])
	assert.Equal(t, []interface{}{"WEBHOOK", "literal"}, out["list"])
	assert.Equal(t, float64(7), out["plain"])
}

func TestResolveValueWithoutPlaceholdersIsIdentity(t *testing.T) {
	ctx := testContext()

	v, warnings := ResolveValue("no placeholders here", ctx)
	require.Empty(t, warnings)
	assert.Equal(t, "no placeholders here", v)
}

func TestParseUnterminatedPlaceholderIsLiteral(t *testing.T) {
	ctx := testContext()

	v, warnings := Parse("broken {{payload.count").Resolve(ctx)
	require.Empty(t, warnings)
	assert.Equal(t, "broken {{payload.count", v)
}

func TestHasPlaceholders(t *testing.T) {
	assert.True(t, HasPlaceholders("a {{b}}"))
	assert.True(t, HasPlaceholders("${x}"))
	assert.False(t, HasPlaceholders("plain text"))
}
