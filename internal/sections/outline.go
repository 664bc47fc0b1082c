package sections

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jonathan/testplan-agent/internal/types"
)

var outlinePrefixRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)`)

// OutlineKey parses the leading numeric outline of a title, e.g. "4.2.1 Foo"
// yields [4 2 1]. Titles of the form "<document> - <heading>" are keyed on
// the heading part. ok is false for titles with no numeric prefix.
func OutlineKey(title string) (key []int, ok bool) {
	s := title
	if _, after, found := strings.Cut(title, " - "); found {
		s = after
	}
	s = strings.TrimLeft(strings.TrimSpace(s), "# ")

	m := outlinePrefixRe.FindString(s)
	if m == "" {
		return nil, false
	}
	for _, part := range strings.Split(m, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		key = append(key, n)
	}
	return key, true
}

// CompareOutline orders outline keys component-wise; a key sorts before any
// longer key it prefixes.
func CompareOutline(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// SortByNumericOutline returns a stably sorted copy of items: titles with a
// numeric outline prefix in ascending outline order, followed by every other
// item in its original relative order.
func SortByNumericOutline[T any](items []T, title func(T) string) []T {
	type keyed struct {
		item    T
		key     []int
		numeric bool
	}
	ks := make([]keyed, len(items))
	for i, it := range items {
		key, ok := OutlineKey(title(it))
		ks[i] = keyed{item: it, key: key, numeric: ok}
	}

	sort.SliceStable(ks, func(i, j int) bool {
		a, b := ks[i], ks[j]
		if a.numeric != b.numeric {
			return a.numeric
		}
		if !a.numeric {
			return false
		}
		return CompareOutline(a.key, b.key) < 0
	})

	out := make([]T, len(ks))
	for i, k := range ks {
		out[i] = k.item
	}
	return out
}

// SortTitles sorts plain titles by numeric outline.
func SortTitles(titles []string) []string {
	return SortByNumericOutline(titles, func(s string) string { return s })
}

// SortSections orders sections by outline and renumbers their indexes.
func SortSections(sections []types.Section) []types.Section {
	sorted := SortByNumericOutline(sections, func(s types.Section) string { return s.Title })
	return types.Reindex(sorted)
}
