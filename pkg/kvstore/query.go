package kvstore

import (
	"reflect"
	"regexp"
)

// Query is a MongoDB-subset filter document: top-level keys are either
// dot-path field names (compared by equality or an operator map) or the
// logical combinators "$or"/"$and".
type Query map[string]any

func matches(doc map[string]any, q Query) bool {
	for field, cond := range q {
		switch field {
		case "$or":
			clauses, _ := cond.([]Query)
			if len(clauses) == 0 {
				if raw, ok := cond.([]any); ok {
					for _, c := range raw {
						if qc, ok := c.(Query); ok {
							clauses = append(clauses, qc)
						}
					}
				}
			}
			if !matchesAny(doc, clauses) {
				return false
			}
		case "$and":
			clauses, _ := cond.([]Query)
			if len(clauses) == 0 {
				if raw, ok := cond.([]any); ok {
					for _, c := range raw {
						if qc, ok := c.(Query); ok {
							clauses = append(clauses, qc)
						}
					}
				}
			}
			if !matchesAll(doc, clauses) {
				return false
			}
		default:
			value, present := getNested(doc, field)
			if !matchField(value, present, cond) {
				return false
			}
		}
	}
	return true
}

func matchesAny(doc map[string]any, clauses []Query) bool {
	for _, c := range clauses {
		if matches(doc, c) {
			return true
		}
	}
	return len(clauses) == 0
}

func matchesAll(doc map[string]any, clauses []Query) bool {
	for _, c := range clauses {
		if !matches(doc, c) {
			return false
		}
	}
	return true
}

// matchField evaluates one field's condition, which is either a bare value
// (equality, with array-membership semantics) or an operator map.
func matchField(value any, present bool, cond any) bool {
	opMap, isOpMap := cond.(map[string]any)
	if !isOpMap {
		return present && valueMatches(value, cond)
	}

	for op, arg := range opMap {
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if present != want {
				return false
			}
		case "$ne":
			if present && valueMatches(value, arg) {
				return false
			}
			if !present && arg == nil {
				return false
			}
		case "$gt":
			if !present || !numCompare(value, arg, func(a, b float64) bool { return a > b }) {
				return false
			}
		case "$gte":
			if !present || !numCompare(value, arg, func(a, b float64) bool { return a >= b }) {
				return false
			}
		case "$lt":
			if !present || !numCompare(value, arg, func(a, b float64) bool { return a < b }) {
				return false
			}
		case "$lte":
			if !present || !numCompare(value, arg, func(a, b float64) bool { return a <= b }) {
				return false
			}
		case "$in":
			list, _ := arg.([]any)
			if !present || !inList(value, list) {
				return false
			}
		case "$regex":
			pattern, _ := arg.(string)
			s, ok := value.(string)
			if !present || !ok {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil || !re.MatchString(s) {
				return false
			}
		case "$not":
			// $not negates an operator map evaluated by matchField ($regex, $in, ...).
			sub, _ := arg.(map[string]any)
			if matchField(value, present, sub) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// valueMatches implements equality with array-membership semantics: if
// value is a slice, cond matches when it equals any element.
func valueMatches(value any, cond any) bool {
	if arr, ok := toAnySlice(value); ok {
		for _, elem := range arr {
			if equalValues(elem, cond) {
				return true
			}
		}
		return false
	}
	return equalValues(value, cond)
}

func inList(value any, list []any) bool {
	if arr, ok := toAnySlice(value); ok {
		for _, elem := range arr {
			for _, want := range list {
				if equalValues(elem, want) {
					return true
				}
			}
		}
		return false
	}
	for _, want := range list {
		if equalValues(value, want) {
			return true
		}
	}
	return false
}

func toAnySlice(v any) ([]any, bool) {
	if arr, ok := v.([]any); ok {
		return arr, true
	}
	return nil, false
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numCompare(value, arg any, cmp func(a, b float64) bool) bool {
	vf, ok1 := toFloat(value)
	af, ok2 := toFloat(arg)
	if !ok1 || !ok2 {
		return false
	}
	return cmp(vf, af)
}
