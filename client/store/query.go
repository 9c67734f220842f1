package store

import (
	"net/url"
	"strconv"
	"strings"
)

// Query collects row filters in the store's query-string dialect
// (col=eq.v, col=in.(a,b), order=col.asc, limit=n).
type Query struct {
	values url.Values
	order  []string
	limit  int
	count  bool
}

func NewQuery() *Query {
	return &Query{values: url.Values{}, limit: -1}
}

// Eq 等值过滤
func (q *Query) Eq(column, value string) *Query {
	q.values.Add(column, "eq."+value)
	return q
}

// In 集合过滤
func (q *Query) In(column string, values ...string) *Query {
	q.values.Add(column, "in.("+strings.Join(values, ",")+")")
	return q
}

func (q *Query) Order(column string, ascending bool) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	q.order = append(q.order, column+"."+dir)
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Count asks the store for the exact number of matching rows.
func (q *Query) Count() *Query {
	q.count = true
	return q
}

// Values renders the query string.
func (q *Query) Values() url.Values {
	out := url.Values{}
	for k, vs := range q.values {
		out[k] = append([]string(nil), vs...)
	}
	if len(q.order) > 0 {
		out.Set("order", strings.Join(q.order, ","))
	}
	if q.limit >= 0 {
		out.Set("limit", strconv.Itoa(q.limit))
	}
	return out
}
