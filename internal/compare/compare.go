// Package compare implements the recursive structural diff used to
// establish cross-implementation parity. Policy lives in static
// per-function Spec tables; the traversal itself is generic.
package compare

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// DifferenceRecord pins one field-level divergence.
type DifferenceRecord struct {
	Path     string `json:"path"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

// Verdict is the immutable outcome of one comparison.
type Verdict struct {
	Consistent  bool               `json:"consistent"`
	Differences []DifferenceRecord `json:"differences,omitempty"`
}

// Spec is the per-function comparison policy. Paths are dot-joined field
// names with array indices as segments; tolerance, flexible, and skip
// keys may use * wildcard segments.
type Spec struct {
	// IgnoredKeys drop matching records from the final difference list
	// after the walk. Array-element records carry a leading index
	// segment, so a top-level key never suppresses them.
	IgnoredKeys []string `yaml:"ignored_keys"`
	// ApproxTolerance holds the maximum absolute numeric difference per
	// field path. Tolerance is per field, not a global epsilon: fixed-
	// vs floating-point drift accumulates differently for rate-like and
	// count-like quantities.
	ApproxTolerance map[string]float64 `yaml:"approx_tolerance"`
	// FlexibleArrayPaths are compared as unordered multisets.
	FlexibleArrayPaths []string `yaml:"flexible_array_paths"`
	// SkippedDuringTraversal paths are never descended into.
	SkippedDuringTraversal []string `yaml:"skipped_during_traversal"`
}

// CompareWithSpec recursively diffs two decoded JSON-shaped values under
// the given policy.
func CompareWithSpec(expected, actual any, spec Spec) Verdict {
	w := &walker{spec: spec}
	w.walk("", expected, actual)

	kept := make([]DifferenceRecord, 0, len(w.diffs))
	for _, d := range w.diffs {
		if !spec.ignored(d.Path) {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	return Verdict{Consistent: len(kept) == 0, Differences: kept}
}

type walker struct {
	spec  Spec
	diffs []DifferenceRecord
}

func (w *walker) record(path string, expected, actual any) {
	w.diffs = append(w.diffs, DifferenceRecord{Path: path, Expected: expected, Actual: actual})
}

func (w *walker) walk(path string, expected, actual any) {
	if path != "" && w.spec.skipped(path) {
		return
	}
	if expected == nil && actual == nil {
		return
	}

	if en, eok := toFloat(expected); eok {
		if an, aok := toFloat(actual); aok {
			w.compareNumbers(path, expected, actual, en, an)
			return
		}
	}

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			w.record(path, expected, actual)
			return
		}
		for _, key := range unionKeys(exp, act) {
			ev, epresent := exp[key]
			av, apresent := act[key]
			childPath := joinPath(path, key)
			if absent(ev, epresent) && absent(av, apresent) {
				continue
			}
			if absent(ev, epresent) != absent(av, apresent) {
				if w.spec.skipped(childPath) {
					continue
				}
				// Numeric one-sided presence still goes through the
				// record path; tolerance needs both sides.
				w.record(childPath, ev, av)
				continue
			}
			w.walk(childPath, ev, av)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			w.record(path, expected, actual)
			return
		}
		if w.spec.flexible(path) {
			w.compareMultiset(path, exp, act)
			return
		}
		n := len(exp)
		if len(act) > n {
			n = len(act)
		}
		for i := 0; i < n; i++ {
			childPath := joinPath(path, strconv.Itoa(i))
			switch {
			case i >= len(exp):
				w.record(childPath, nil, act[i])
			case i >= len(act):
				w.record(childPath, exp[i], nil)
			default:
				w.walk(childPath, exp[i], act[i])
			}
		}
	default:
		if expected != actual {
			w.record(path, expected, actual)
		}
	}
}

func (w *walker) compareNumbers(path string, expected, actual any, en, an float64) {
	if tol, ok := w.spec.tolerance(path); ok {
		if math.Abs(en-an) > tol {
			w.record(path, expected, actual)
		}
		return
	}
	if en != an {
		w.record(path, expected, actual)
	}
}

// compareMultiset matches the two sequences as unordered multisets: each
// expected element must find a distinct actual element that compares
// clean under the same policy, order irrelevant.
func (w *walker) compareMultiset(path string, exp, act []any) {
	used := make([]bool, len(act))
	for i, ev := range exp {
		matched := false
		for j, av := range act {
			if used[j] {
				continue
			}
			sub := &walker{spec: w.spec}
			sub.walk(joinPath(path, strconv.Itoa(i)), ev, av)
			if len(sub.diffs) == 0 {
				used[j] = true
				matched = true
				break
			}
		}
		if !matched {
			w.record(joinPath(path, strconv.Itoa(i)), ev, nil)
		}
	}
	for j, av := range act {
		if !used[j] {
			w.record(joinPath(path, strconv.Itoa(j)), nil, av)
		}
	}
}

func (s Spec) tolerance(path string) (float64, bool) {
	if tol, ok := s.ApproxTolerance[path]; ok {
		return tol, true
	}
	for key, tol := range s.ApproxTolerance {
		if matchPath(key, path) {
			return tol, true
		}
	}
	return 0, false
}

func (s Spec) flexible(path string) bool {
	return anyMatch(s.FlexibleArrayPaths, path)
}

func (s Spec) skipped(path string) bool {
	return anyMatch(s.SkippedDuringTraversal, path)
}

// ignored reports whether a difference record at path is filtered by the
// ignored-key list: an exact match or anything nested under the key.
func (s Spec) ignored(path string) bool {
	for _, key := range s.IgnoredKeys {
		if path == key || strings.HasPrefix(path, key+".") {
			return true
		}
		if matchPath(key, path) {
			return true
		}
	}
	return false
}

func anyMatch(keys []string, path string) bool {
	for _, key := range keys {
		if key == path || matchPath(key, path) {
			return true
		}
	}
	return false
}

// matchPath matches a spec key against a concrete path, segment by
// segment, with * as a single-segment wildcard.
func matchPath(key, path string) bool {
	if !strings.Contains(key, "*") {
		return key == path
	}
	ks := strings.Split(key, ".")
	ps := strings.Split(path, ".")
	if len(ks) != len(ps) {
		return false
	}
	for i := range ks {
		if ks[i] != "*" && ks[i] != ps[i] {
			return false
		}
	}
	return true
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func absent(v any, present bool) bool {
	return !present || v == nil
}

// toFloat normalizes the numeric kinds a decoded capture can carry.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
