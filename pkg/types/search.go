package types

import (
	"fmt"
	"reflect"
	"strings"
)

// MetadataFilter decides whether a candidate is kept, given its metadata.
// metadata is nil for vectors inserted without any.
type MetadataFilter func(metadata Metadata) bool

// SearchOptions controls a k-NN query
type SearchOptions struct {
	// K is the number of results to return
	K int
	// EfSearch is the size of the dynamic candidate list; 0 uses the index default
	EfSearch int
	// Filter is applied post-hoc to candidate metadata (optional)
	Filter MetadataFilter
}

// SearchResult is the answer to a k-NN query. The three slices are parallel
// and ordered from most to least similar.
type SearchResult struct {
	IDs          []uint64   `json:"ids"`
	Distances    []float32  `json:"distances"`
	Similarities []float32  `json:"similarities"`
	Metadata     []Metadata `json:"metadata,omitempty"`
}

// EmptySearchResult returns a result with non-nil empty slices so it
// serializes as arrays rather than nulls.
func EmptySearchResult() SearchResult {
	return SearchResult{
		IDs:          []uint64{},
		Distances:    []float32{},
		Similarities: []float32{},
	}
}

// Len returns the number of hits
func (r SearchResult) Len() int {
	return len(r.IDs)
}

// Filter represents a condition for filtering vectors by metadata
type Filter struct {
	// Field is the metadata field name to filter on
	Field string `json:"field"`
	// Operator is the comparison operator (=, !=, >, >=, <, <=)
	Operator string `json:"operator"`
	// Value is the value to compare against
	Value interface{} `json:"value"`
}

// CompileFilters turns a list of conditions into a MetadataFilter that keeps
// candidates matching all of them. An empty list compiles to nil.
func CompileFilters(filters []Filter) (MetadataFilter, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	for _, f := range filters {
		if f.Field == "" {
			return nil, fmt.Errorf("filter field is required")
		}
		switch normalizeOperator(f.Operator) {
		case "=", "!=", ">", ">=", "<", "<=":
		default:
			return nil, fmt.Errorf("unsupported filter operator %q", f.Operator)
		}
	}
	conds := append([]Filter(nil), filters...)
	return func(metadata Metadata) bool {
		for _, f := range conds {
			if !f.matches(metadata) {
				return false
			}
		}
		return true
	}, nil
}

func normalizeOperator(op string) string {
	switch strings.TrimSpace(op) {
	case "", "=", "==", "eq":
		return "="
	case "!=", "ne":
		return "!="
	case ">", "gt":
		return ">"
	case ">=", "gte":
		return ">="
	case "<", "lt":
		return "<"
	case "<=", "lte":
		return "<="
	default:
		return op
	}
}

func (f Filter) matches(metadata Metadata) bool {
	actual, ok := metadata[f.Field]
	op := normalizeOperator(f.Operator)
	if !ok {
		return op == "!="
	}

	a, aNum := toFloat(actual)
	b, bNum := toFloat(f.Value)
	if aNum && bNum {
		switch op {
		case "=":
			return a == b
		case "!=":
			return a != b
		case ">":
			return a > b
		case ">=":
			return a >= b
		case "<":
			return a < b
		case "<=":
			return a <= b
		}
		return false
	}

	switch op {
	case "=":
		return reflect.DeepEqual(actual, f.Value)
	case "!=":
		return !reflect.DeepEqual(actual, f.Value)
	}

	as, aStr := actual.(string)
	bs, bStr := f.Value.(string)
	if !aStr || !bStr {
		return false
	}
	switch op {
	case ">":
		return as > bs
	case ">=":
		return as >= bs
	case "<":
		return as < bs
	case "<=":
		return as <= bs
	}
	return false
}

// toFloat widens any Go numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
