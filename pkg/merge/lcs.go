package merge

// lcs returns the longest common subsequence of two key lists. It is used to
// find the order-preserving core of a list so that only genuine moves count
// as reorders.
func lcs(a, b []string) []string {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return nil
	}
	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}
	out := make([]string, 0, table[0][0])
	for i, j := 0, 0; i < n && j < m; {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			i++
		default:
			j++
		}
	}
	return out
}

// movedKeys reports the keys of next that are not part of the LCS against
// prev: the items whose position intent changed.
func movedKeys(prev, next []string) map[string]bool {
	keep := make(map[string]bool)
	for _, k := range lcs(prev, next) {
		keep[k] = true
	}
	present := make(map[string]bool, len(prev))
	for _, k := range prev {
		present[k] = true
	}
	moved := make(map[string]bool)
	for _, k := range next {
		if present[k] && !keep[k] {
			moved[k] = true
		}
	}
	return moved
}

// mergeOrder combines the orderings of source and target over a shared base.
// Items only one side moved land where that side put them; items both sides
// moved follow the source (the documented resolution rule); everything else
// keeps base-relative order, with additions placed where their side put them.
func mergeOrder(base, source, target []string, keep map[string]bool) []string {
	srcMoved := movedKeys(base, source)
	tgtMoved := movedKeys(base, target)

	// The skeleton is the ordering whose intents win: start from source order
	// (source carries both source adds and source moves), then weave in
	// target-only items at target-relative positions.
	out := make([]string, 0, len(keep))
	inOut := make(map[string]bool, len(keep))
	appendKey := func(k string) {
		if keep[k] && !inOut[k] {
			out = append(out, k)
			inOut[k] = true
		}
	}

	srcIndex := make(map[string]int, len(source))
	for i, k := range source {
		srcIndex[k] = i
	}
	tgtIndex := make(map[string]int, len(target))
	for i, k := range target {
		tgtIndex[k] = i
	}

	for _, k := range source {
		// Before emitting k, emit any target items that target ordered ahead
		// of k and that source has no opinion on.
		if _, inTarget := tgtIndex[k]; inTarget {
			for _, t := range target {
				if t == k {
					break
				}
				if _, inSource := srcIndex[t]; !inSource {
					appendKey(t)
				} else if tgtMoved[t] && !srcMoved[t] && beforeIn(target, t, k) && !inOut[t] {
					appendKey(t)
				}
			}
		}
		appendKey(k)
	}
	for _, k := range target {
		appendKey(k)
	}
	for _, k := range base {
		appendKey(k)
	}
	return out
}

// beforeIn reports whether a precedes b in list.
func beforeIn(list []string, a, b string) bool {
	ia, ib := -1, -1
	for i, k := range list {
		if k == a {
			ia = i
		}
		if k == b {
			ib = i
		}
	}
	return ia >= 0 && ib >= 0 && ia < ib
}
