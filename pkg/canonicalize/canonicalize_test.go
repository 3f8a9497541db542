package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":3}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"url": "a<b>&c"})
	require.NoError(t, err)
	require.Equal(t, `{"url":"a<b>&c"}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
		Skip string `json:"-"`
		Omit string `json:"omit,omitempty"`
	}
	out, err := JCS(doc{Name: "x", Skip: "hidden"})
	require.NoError(t, err)
	require.Equal(t, `{"name":"x"}`, string(out))
}

func TestCanonicalHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": []any{"a", "b"}})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": []any{"a", "b"}, "x": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestShortHash(t *testing.T) {
	full, err := CanonicalHash(map[string]int{"v": 1})
	require.NoError(t, err)
	short, err := ShortHash(map[string]int{"v": 1}, 12)
	require.NoError(t, err)
	require.Len(t, short, 12)
	require.Equal(t, full[:12], short)
}

func TestShortHashClampsLength(t *testing.T) {
	short, err := ShortHash("x", 200)
	require.NoError(t, err)
	require.Len(t, short, 64)
}
