package docstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEqual          Op = "=="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	// Limit caps the result size; zero means no limit.
	Limit int
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Key identifies the query for logging and deduplication.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		fmt.Fprintf(&b, "|%s%s%v", f.Field, f.Op, f.Value)
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&b, "|order:%s:%t", q.OrderBy, q.Descending)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|limit:%d", q.Limit)
	}
	return b.String()
}

// Evaluate applies q's filters, ordering and limit to docs. Engines without
// native query support share it. The input slice is not modified.
func Evaluate(q Query, docs []*Document) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if matches(q.Filters, d) {
			out = append(out, d)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := Compare(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(filters []Filter, d *Document) bool {
	for _, f := range filters {
		v, ok := d.Fields[f.Field]
		if !ok || !sameRank(v, f.Value) {
			return false
		}
		c := Compare(v, f.Value)
		switch f.Op {
		case OpEqual:
			if c != 0 {
				return false
			}
		case OpLess:
			if c >= 0 {
				return false
			}
		case OpLessOrEqual:
			if c > 0 {
				return false
			}
		case OpGreater:
			if c <= 0 {
				return false
			}
		case OpGreaterOrEqual:
			if c < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// rank orders values of different types, as Firestore does.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, int, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func sameRank(a, b any) bool {
	return rank(a) == rank(b)
}

// Compare orders two field values: negative when a < b, zero when equal,
// positive when a > b. Values of different types order by type.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
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
	case int64, int, float64:
		fx, fy := toFloat(a), toFloat(b)
		switch {
		case fx < fy:
			return -1
		case fx > fy:
			return 1
		default:
			return 0
		}
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
