package kinds

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tablesync/opstore/internal/store/schema"
)

type document struct {
	id   string
	data map[string]any
}

// matchQuery filters, orders and pages docs. Without an explicit order
// documents are sorted by defaultOrder, then id.
func matchQuery(docs []document, q schema.Query, defaultOrder []schema.Sort) []string {
	matched := docs[:0:0]
	for _, d := range docs {
		if matchesWhere(d.data, q.Where) {
			matched = append(matched, d)
		}
	}

	order := q.OrderBy
	if len(order) == 0 {
		order = defaultOrder
	}
	sort.SliceStable(matched, func(i, j int) bool {
		for _, s := range order {
			a, _ := lookup(matched[i].data, s.Key)
			b, _ := lookup(matched[j].data, s.Key)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return matched[i].id < matched[j].id
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	ids := make([]string, len(matched))
	for i, d := range matched {
		ids[i] = d.id
	}
	return ids
}

func matchesWhere(data map[string]any, where map[string]any) bool {
	for key, want := range where {
		got, ok := lookup(data, key)
		if !ok {
			if want != nil {
				return false
			}
			continue
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

// lookup resolves key in data. Dotted keys walk nested objects; a key
// that is not a top-level member falls back to the record cell of that
// field id.
func lookup(data map[string]any, key string) (any, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	if strings.Contains(key, ".") {
		var cur any = data
		for _, part := range strings.Split(key, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			if cur, ok = m[part]; !ok {
				return nil, false
			}
		}
		return cur, true
	}
	if cells, ok := data["fields"].(map[string]any); ok {
		v, ok := cells[key]
		return v, ok
	}
	return nil, false
}

func equalValues(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// rank orders values of different JSON types: null, booleans, numbers,
// strings, then everything else.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, int, int64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case float64, int, int64:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return bytes.Compare(ja, jb)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
