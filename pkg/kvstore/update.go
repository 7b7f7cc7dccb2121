package kvstore

import "strings"

// UpdateOpKind names the update operators that Update's fields carry.
type UpdateOpKind string

const (
	OpSet         UpdateOpKind = "$set"
	OpUnset       UpdateOpKind = "$unset"
	OpInc         UpdateOpKind = "$inc"
	OpAddToSet    UpdateOpKind = "$addToSet"
	OpSetOnInsert UpdateOpKind = "$setOnInsert"
)

// Update is one update document: each field holds the assignments for one
// operator kind, and several may be populated at once, exactly like
// {"$set": {...}, "$inc": {...}}.
type Update struct {
	Set         map[string]any
	Unset       []string
	Inc         map[string]float64
	AddToSet    map[string]any
	SetOnInsert map[string]any
}

// IsEmpty reports whether the update carries no operators at all.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Inc) == 0 &&
		len(u.AddToSet) == 0 && len(u.SetOnInsert) == 0
}

// applyUpdate mutates doc in place per the operator precedence
// $setOnInsert (upsert only) -> $set -> $unset -> $inc -> $addToSet,
// and reports whether doc was actually modified.
func applyUpdate(doc map[string]any, u Update, isUpsert bool) bool {
	modified := false

	if isUpsert {
		for path, v := range u.SetOnInsert {
			setNested(doc, path, v)
			modified = true
		}
	}

	for path, v := range u.Set {
		setNested(doc, path, v)
		modified = true
	}

	for _, path := range u.Unset {
		if removeNested(doc, path) {
			modified = true
		}
	}

	for path, delta := range u.Inc {
		cur, ok := getNested(doc, path)
		var base float64
		if ok {
			base, _ = toFloat(cur)
		}
		setNested(doc, path, base+delta)
		modified = true
	}

	for path, v := range u.AddToSet {
		cur, ok := getNested(doc, path)
		var arr []any
		if ok {
			if existing, isArr := cur.([]any); isArr {
				arr = existing
			}
		}
		found := false
		for _, elem := range arr {
			if equalValues(elem, v) {
				found = true
				break
			}
		}
		if !found {
			arr = append(arr, v)
			setNested(doc, path, arr)
			modified = true
		}
	}

	return modified
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// dot-path helpers ----------------------------------------------------

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func getNested(doc map[string]any, path string) (any, bool) {
	parts := splitPath(path)
	cur := any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func setNested(doc map[string]any, path string, value any) {
	parts := splitPath(path)
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func removeNested(doc map[string]any, path string) bool {
	parts := splitPath(path)
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			if _, ok := cur[p]; ok {
				delete(cur, p)
				return true
			}
			return false
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}
