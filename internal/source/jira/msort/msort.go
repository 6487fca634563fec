// Package msort contains the utility function SourceClient.search uses
// to de-duplicate a paginated result set that may contain the same
// issue key more than once (spec §4.1: "the source may paginate
// duplicates during mutations").
package msort

// Entry is the minimal shape UniqueByKey needs: a dedup key and a
// comparable recency marker. jira.Issue is converted to/from Entry at
// the call site so this package stays free of a dependency on the
// client package that uses it.
type Entry struct {
	Key              string
	UpdatedUnixMilli int64
	Index            int // position in the original slice, for reconstruction
}

// UniqueByKey implements a "last one wins" approach to removing
// entries with duplicate keys from the input slice. If two entries
// share the same Key, the one with the later UpdatedUnixMilli is kept.
// If keys and timestamps are both identical, exactly one of the values
// is chosen arbitrarily.
//
// The modified slice is returned. Panics if any entry's Key is empty,
// since that indicates an upstream coding error rather than legitimate
// input.
func UniqueByKey(x []Entry) []Entry {
	seenIdx := make(map[string]int, len(x))

	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		if x[src].Key == "" {
			panic("msort: empty entry key")
		}
		key := x[src].Key

		if curIdx, found := seenIdx[key]; found {
			if x[src].UpdatedUnixMilli > x[curIdx].UpdatedUnixMilli {
				x[curIdx] = x[src]
			}
		} else {
			dest--
			seenIdx[key] = dest
			x[dest] = x[src]
		}
	}

	return x[dest:]
}
