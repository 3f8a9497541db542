package merge

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestLCS(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{"identical", []string{"a", "b", "c"}, []string{"a", "b", "c"}, []string{"a", "b", "c"}},
		{"empty", nil, []string{"a"}, nil},
		{"disjoint", []string{"a", "b"}, []string{"c", "d"}, []string{}},
		{"interleaved", []string{"a", "b", "c", "d"}, []string{"b", "d"}, []string{"b", "d"}},
		{"tail move", []string{"a", "b", "c", "d"}, []string{"a", "c", "d", "b"}, []string{"a", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lcs(tt.a, tt.b)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// Non-overlapping reorders from two sides both survive into the merged order.
func TestMergeOrderUnionOfIntents(t *testing.T) {
	base := []string{"a", "b", "c", "d", "e"}
	source := []string{"a", "c", "d", "b", "e"} // moved b after d
	target := []string{"e", "a", "b", "c", "d"} // moved e to front

	keep := map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true}
	got := mergeOrder(base, source, target, keep)

	assert.ElementsMatch(t, base, got, "no items lost or invented")
	assert.Less(t, indexOf(got, "e"), indexOf(got, "a"), "target intent: e first")
	assert.Less(t, indexOf(got, "d"), indexOf(got, "b"), "source intent: b after d")
}

func TestMergeOrderAdditionsFromBothSides(t *testing.T) {
	base := []string{"a", "b"}
	source := []string{"a", "x", "b"}
	target := []string{"a", "b", "y"}

	keep := map[string]bool{"a": true, "b": true, "x": true, "y": true}
	got := mergeOrder(base, source, target, keep)
	assert.ElementsMatch(t, []string{"a", "b", "x", "y"}, got)
	assert.Less(t, indexOf(got, "a"), indexOf(got, "x"))
	assert.Less(t, indexOf(got, "x"), indexOf(got, "b"))
}

func TestMergeOrderDropsUnkeptKeys(t *testing.T) {
	base := []string{"a", "b", "c"}
	got := mergeOrder(base, base, base, map[string]bool{"a": true, "c": true})
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestMergeOrderProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	alphabet := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	genSubset := gen.SliceOf(gen.IntRange(0, len(alphabet)-1)).Map(func(idx []int) []string {
		seen := make(map[int]bool)
		var out []string
		for _, i := range idx {
			if !seen[i] {
				seen[i] = true
				out = append(out, alphabet[i])
			}
		}
		return out
	})

	properties.Property("output is a permutation of the keep set", prop.ForAll(
		func(base, source, target []string) bool {
			keep := make(map[string]bool)
			for _, l := range [][]string{base, source, target} {
				for _, k := range l {
					keep[k] = true
				}
			}
			got := mergeOrder(base, source, target, keep)
			if len(got) != len(keep) {
				return false
			}
			seen := make(map[string]bool, len(got))
			for _, k := range got {
				if !keep[k] || seen[k] {
					return false
				}
				seen[k] = true
			}
			return true
		},
		genSubset, genSubset, genSubset,
	))

	properties.Property("lcs is a subsequence of both inputs", prop.ForAll(
		func(a, b []string) bool {
			return isSubsequence(lcs(a, b), a) && isSubsequence(lcs(a, b), b)
		},
		genSubset, genSubset,
	))

	properties.TestingRun(t)
}

func isSubsequence(sub, full []string) bool {
	i := 0
	for _, k := range full {
		if i < len(sub) && sub[i] == k {
			i++
		}
	}
	return i == len(sub)
}
