package merge

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Order is a sort direction.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// SortRows stably orders rows by the given column. Rows where the column is
// absent sort last ascending and first descending. When both values are
// numeric they compare numerically; otherwise the stringified values compare
// under Chinese collation with numeric-string awareness, so 第2次 sorts before
// 第10次.
func SortRows(rows []Row, key string, order Order) {
	if key == "" {
		return
	}
	coll := collate.New(language.Chinese, collate.Numeric)
	desc := order == OrderDesc
	sort.SliceStable(rows, func(i, j int) bool {
		return compareCells(coll, rows[i][key], rows[j][key], desc) < 0
	})
}

func compareCells(coll *collate.Collator, a, b any, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if desc {
			return -1
		}
		return 1
	case b == nil:
		if desc {
			return 1
		}
		return -1
	}

	cmp := 0
	an, aNum := cellNumber(a)
	bn, bNum := cellNumber(b)
	if aNum && bNum {
		switch {
		case an < bn:
			cmp = -1
		case an > bn:
			cmp = 1
		}
	} else {
		cmp = coll.CompareString(Stringify(a), Stringify(b))
	}
	if desc {
		cmp = -cmp
	}
	return cmp
}

func cellNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
