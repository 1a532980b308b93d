package merge

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Deduplicate collapses rows to one per distinct key value, last write wins.
// Surviving rows keep the order in which their key was first seen. Key values
// are tagged with their type, so the number 1 and the text "1" stay distinct
// keys. Rows where the key column is missing or empty fall back to their own
// JSON serialization as key, so malformed rows only collide with identical
// malformed rows.
func Deduplicate(rows []Row, key string) []Row {
	index := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		k, ok := dedupKey(row, key)
		if !ok {
			serialized, err := json.Marshal(row)
			if err != nil {
				out = append(out, row)
				continue
			}
			k = "\x00" + string(serialized)
		}
		if at, seen := index[k]; seen {
			out[at] = row
			continue
		}
		index[k] = len(out)
		out = append(out, row)
	}
	return out
}

func dedupKey(row Row, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	value, ok := row[key]
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return "s:" + v, true
	case float64:
		return "n:" + strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return "n:" + strconv.Itoa(v), true
	case bool:
		return "b:" + strconv.FormatBool(v), true
	default:
		return "", false
	}
}
