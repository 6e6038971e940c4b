package state

// Built-in reducers. All of them treat their inputs as immutable and return
// fresh values where merging is involved.

// Replace returns the update value unconditionally. This is also the behavior
// of a field with no declared reducer; it exists so schemas can be explicit.
func Replace(_, update any) any {
	return update
}

// Concat appends the update to the current slice. A non-slice current value is
// treated as empty; a non-slice update is appended as a single element.
// Not idempotent: re-applying the same update grows the slice again.
func Concat(current, update any) any {
	cur := asSlice(current)
	upd, ok := update.([]any)
	if !ok {
		upd = []any{update}
	}
	out := make([]any, 0, len(cur)+len(upd))
	out = append(out, cur...)
	out = append(out, upd...)
	return out
}

// Merge shallow-merges two maps, update winning on key conflicts. A non-map
// current value is treated as empty; a non-map update replaces outright.
func Merge(current, update any) any {
	upd, ok := update.(map[string]any)
	if !ok {
		return update
	}
	cur, _ := current.(map[string]any)
	out := make(map[string]any, len(cur)+len(upd))
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range upd {
		out[k] = v
	}
	return out
}

// MergeByKey returns a reducer over slices of records (maps) identified by the
// given key field. Records sharing a key value are shallow-merged in place,
// new records are appended, and first-occurrence order is preserved.
func MergeByKey(key string) Reducer {
	return func(current, update any) any {
		cur := asSlice(current)
		upd := asSlice(update)

		out := make([]any, 0, len(cur)+len(upd))
		index := make(map[any]int, len(cur))
		for _, item := range cur {
			rec, ok := item.(map[string]any)
			if !ok {
				out = append(out, item)
				continue
			}
			copied := Merge(nil, rec).(map[string]any)
			if id, has := copied[key]; has {
				index[id] = len(out)
			}
			out = append(out, copied)
		}

		for _, item := range upd {
			rec, ok := item.(map[string]any)
			if !ok {
				out = append(out, item)
				continue
			}
			id, has := rec[key]
			if !has {
				out = append(out, Merge(nil, rec))
				continue
			}
			if pos, seen := index[id]; seen {
				out[pos] = Merge(out[pos], rec)
				continue
			}
			index[id] = len(out)
			out = append(out, Merge(nil, rec))
		}
		return out
	}
}

// Max keeps the larger of the two numeric values.
func Max(current, update any) any {
	cf, cok := asFloat(current)
	uf, uok := asFloat(update)
	if !cok {
		return update
	}
	if !uok {
		return current
	}
	if uf > cf {
		return update
	}
	return current
}

// Min keeps the smaller of the two numeric values.
func Min(current, update any) any {
	cf, cok := asFloat(current)
	uf, uok := asFloat(update)
	if !cok {
		return update
	}
	if !uok {
		return current
	}
	if uf < cf {
		return update
	}
	return current
}

// Sum adds the two numeric values. Integer inputs stay integral.
// Not idempotent: re-applying the same update adds again.
func Sum(current, update any) any {
	ci, cIsInt := asInt(current)
	ui, uIsInt := asInt(update)
	if cIsInt && uIsInt {
		return ci + ui
	}
	cf, cok := asFloat(current)
	uf, uok := asFloat(update)
	if !cok {
		return update
	}
	if !uok {
		return current
	}
	return cf + uf
}

// Or is boolean disjunction; non-bool values count as false.
func Or(current, update any) any {
	c, _ := current.(bool)
	u, _ := update.(bool)
	return c || u
}

// And is boolean conjunction; non-bool values count as false.
func And(current, update any) any {
	c, _ := current.(bool)
	u, _ := update.(bool)
	return c && u
}

// IfDefined keeps the current value when the update is nil, otherwise replaces.
func IfDefined(current, update any) any {
	if update == nil {
		return current
	}
	return update
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
