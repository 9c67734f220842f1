package services

import (
	"net/url"
	"strconv"
	"strings"
)

// Filter 单列过滤条件：eq 或 in
type Filter struct {
	Column string
	Values []string
	In     bool
}

type OrderBy struct {
	Column string
	Desc   bool
}

// Query 解析后的行查询
type Query struct {
	Filters []Filter
	Order   []OrderBy
	Limit   int // -1 表示不限制
	Count   bool
}

var reservedParams = map[string]bool{"order": true, "limit": true, "select": true}

// ParseQuery reads col=eq.v, col=in.(a,b), order=a.asc,b.desc and limit=n.
func ParseQuery(values url.Values) (Query, error) {
	q := Query{Limit: -1}
	for col, vs := range values {
		if reservedParams[col] {
			continue
		}
		for _, v := range vs {
			f, err := parseFilter(col, v)
			if err != nil {
				return Query{}, err
			}
			q.Filters = append(q.Filters, f)
		}
	}

	if order := values.Get("order"); order != "" {
		for _, part := range strings.Split(order, ",") {
			col, dir, _ := strings.Cut(strings.TrimSpace(part), ".")
			switch dir {
			case "", "asc":
				q.Order = append(q.Order, OrderBy{Column: col})
			case "desc":
				q.Order = append(q.Order, OrderBy{Column: col, Desc: true})
			default:
				return Query{}, invalidInput("bad order direction %q", dir)
			}
		}
	}

	if limit := values.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return Query{}, invalidInput("bad limit %q", limit)
		}
		q.Limit = n
	}
	return q, nil
}

func parseFilter(col, v string) (Filter, error) {
	op, arg, ok := strings.Cut(v, ".")
	if !ok {
		return Filter{}, invalidInput("filter %s=%s has no operator", col, v)
	}
	switch op {
	case "eq":
		return Filter{Column: col, Values: []string{arg}}, nil
	case "in":
		if !strings.HasPrefix(arg, "(") || !strings.HasSuffix(arg, ")") {
			return Filter{}, invalidInput("filter %s=%s: in needs a parenthesised list", col, v)
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(arg, "("), ")")
		var vals []string
		if inner != "" {
			vals = strings.Split(inner, ",")
		}
		return Filter{Column: col, Values: vals, In: true}, nil
	default:
		return Filter{}, invalidInput("unsupported operator %q", op)
	}
}
