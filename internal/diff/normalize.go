package diff

import (
	"sort"
	"strconv"
	"strings"
)

// Comparison walks the desired document and checks each declared field
// against the live one. Fields the live object grew that desired never
// mentions (runtime defaults, controller-assigned state, metadata bookkeeping)
// are invisible to it, which is what makes the comparison semantic rather
// than textual.

// changedPaths returns the sorted dotted paths at which live diverges from
// desired, honoring the ignore list.
func changedPaths(desired, live map[string]interface{}, ignore []string) []string {
	ignored := make(map[string]bool, len(ignore))
	for _, p := range ignore {
		ignored[p] = true
	}
	var paths []string
	compareMaps(desired, live, "", ignored, &paths)
	sort.Strings(paths)
	return paths
}

func compareMaps(desired, live map[string]interface{}, prefix string, ignored map[string]bool, out *[]string) {
	for key, dv := range desired {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if ignored[path] {
			continue
		}
		lv, exists := live[key]
		if !exists {
			*out = append(*out, path)
			continue
		}
		compareValues(dv, lv, path, ignored, out)
	}
}

func compareValues(dv, lv interface{}, path string, ignored map[string]bool, out *[]string) {
	switch d := dv.(type) {
	case map[string]interface{}:
		l, ok := lv.(map[string]interface{})
		if !ok {
			*out = append(*out, path)
			return
		}
		compareMaps(d, l, path, ignored, out)
	case []interface{}:
		l, ok := lv.([]interface{})
		if !ok || len(d) != len(l) {
			*out = append(*out, path)
			return
		}
		for i := range d {
			compareValues(d[i], l[i], path+"["+strconv.Itoa(i)+"]", ignored, out)
		}
	default:
		if !scalarEqual(dv, lv) {
			*out = append(*out, path)
		}
	}
}

// scalarEqual compares leaf values, equating numbers across the int64/
// float64 split that YAML and the API server produce for the same manifest.
func scalarEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	return a == b
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ManagedProjection returns live reduced to the fields desired declares,
// used when rendering drift so runtime noise stays out of the diff output.
func ManagedProjection(desired, live map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(desired))
	for key, dv := range desired {
		lv, exists := live[key]
		if !exists {
			continue
		}
		switch d := dv.(type) {
		case map[string]interface{}:
			if l, ok := lv.(map[string]interface{}); ok {
				out[key] = ManagedProjection(d, l)
				continue
			}
			out[key] = lv
		default:
			out[key] = lv
		}
	}
	return out
}

// ParsePath splits a dotted path, for callers configuring ignore rules.
func ParsePath(path string) []string {
	return strings.Split(path, ".")
}
