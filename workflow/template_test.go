package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/types"
)

func testContext(t *testing.T) *RunContext {
	t.Helper()
	rc := NewRunContext(map[string]any{
		"commit": "abc123",
		"pr": map[string]any{
			"number": float64(42),
			"labels": []any{"bug", "urgent"},
		},
		"dryRun": true,
	})
	require.NoError(t, rc.MergeOutput("build", map[string]any{
		"artifact": "app.tar.gz",
		"sizeMb":   float64(12.5),
		"meta":     map[string]any{"arch": "amd64"},
	}))
	return rc
}

func TestResolve_ContextPaths(t *testing.T) {
	rc := testContext(t)

	got, err := Resolve(map[string]string{
		"commit": "{{ context.commit }}",
		"number": "{{ context.pr.number }}",
		"label":  "{{ context.pr.labels.1 }}",
		"flag":   "{{ context.dryRun }}",
	}, rc)
	require.NoError(t, err)

	assert.Equal(t, "abc123", got["commit"])
	assert.Equal(t, float64(42), got["number"])
	assert.Equal(t, "urgent", got["label"])
	assert.Equal(t, true, got["flag"])
}

func TestResolve_NodeOutputPaths(t *testing.T) {
	rc := testContext(t)

	got, err := Resolve(map[string]string{
		"artifact": "{{ nodes[build].output.artifact }}",
		"arch":     "{{ nodes[build].output.meta.arch }}",
		"whole":    "{{ nodes[build].output }}",
	}, rc)
	require.NoError(t, err)

	assert.Equal(t, "app.tar.gz", got["artifact"])
	assert.Equal(t, "amd64", got["arch"])
	whole, ok := got["whole"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "app.tar.gz", whole["artifact"])
}

func TestResolve_SinglePlaceholderPreservesType(t *testing.T) {
	rc := testContext(t)

	got, err := Resolve(map[string]string{
		"number": "{{ context.pr.number }}",
		"nested": "{{ context.pr }}",
	}, rc)
	require.NoError(t, err)

	_, isFloat := got["number"].(float64)
	assert.True(t, isFloat, "lone placeholder must keep the native type")
	_, isMap := got["nested"].(map[string]any)
	assert.True(t, isMap)
}

func TestResolve_MixedConcatenatesToString(t *testing.T) {
	rc := testContext(t)

	got, err := Resolve(map[string]string{
		"msg":  "deploying {{ context.commit }} (pr #{{ context.pr.number }})",
		"path": "/artifacts/{{ nodes[build].output.artifact }}",
	}, rc)
	require.NoError(t, err)

	assert.Equal(t, "deploying abc123 (pr #42)", got["msg"])
	assert.Equal(t, "/artifacts/app.tar.gz", got["path"])
}

func TestResolve_LiteralPassesThrough(t *testing.T) {
	got, err := Resolve(map[string]string{"plain": "no templates here"}, NewRunContext(nil))
	require.NoError(t, err)
	assert.Equal(t, "no templates here", got["plain"])
}

func TestResolve_UnresolvedReference(t *testing.T) {
	rc := testContext(t)

	tests := []string{
		"{{ context.missing }}",
		"{{ context.pr.labels.9 }}",
		"{{ nodes[ghost].output.x }}",
		"{{ nodes[build].output.missing }}",
	}
	for _, tmpl := range tests {
		_, err := Resolve(map[string]string{"v": tmpl}, rc)
		var unresolved *UnresolvedReferenceError
		assert.True(t, errors.As(err, &unresolved), "template %q", tmpl)
	}
}

func TestResolve_InvalidExpression(t *testing.T) {
	_, err := Resolve(map[string]string{"v": "{{ secrets.token }}"}, NewRunContext(nil))
	var appErr *types.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrInvalidExpression, appErr.Code)
}

func TestResolve_Pure(t *testing.T) {
	rc := testContext(t)
	tmpl := map[string]string{
		"a": "{{ context.commit }}-{{ nodes[build].output.sizeMb }}",
	}

	first, err := Resolve(tmpl, rc)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve(tmpl, rc)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "abc123-12.5", first["a"])
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"s", "s"},
		{float64(42), "42"},
		{float64(12.5), "12.5"},
		{true, "true"},
		{nil, ""},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stringify(tt.in))
	}
}
