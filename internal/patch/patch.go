// Package patch computes path-addressed updates between two JSON-shaped
// state values and applies them back.
//
// Values are what encoding/json produces when decoding into an interface:
// map[string]any for objects, []any for arrays, and scalars. Paths are
// "/"-joined segments without a leading slash, escaped as in RFC 6901.
// The root path is "".
package patch

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type OpType string

const (
	OpAdd     OpType = "add"
	OpReplace OpType = "replace"
	OpRemove  OpType = "remove"
)

// Op is a single patch operation.
type Op struct {
	Op    OpType `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Update is what gets sent to a display surface. A full update is a patch
// against an empty baseline.
type Update struct {
	Full bool `json:"full"`
	Ops  []Op `json:"ops"`
}

// Empty reports whether the update carries no operation.
func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// Compute returns the update transforming previous into next. When
// previous is nil or forceFull is set, the update is the full value of next.
func Compute(previous, next any, forceFull bool) Update {
	if previous == nil || forceFull {
		return Update{Full: true, Ops: Diff(nil, next)}
	}
	return Update{Ops: Diff(previous, next)}
}

// Diff returns the ordered operations transforming a into b. A nil a is
// treated as an empty baseline.
func Diff(a, b any) []Op {
	var ops []Op
	if a == nil {
		if m, ok := b.(map[string]any); ok {
			for _, k := range sortedKeys(m) {
				ops = append(ops, Op{Op: OpAdd, Path: escape(k), Value: m[k]})
			}
			return ops
		}
		if b == nil {
			return nil
		}
		return []Op{{Op: OpReplace, Path: "", Value: b}}
	}
	return diffValue(ops, "", a, b)
}

func diffValue(ops []Op, path string, a, b any) []Op {
	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			return diffObject(ops, path, av, bv)
		}
	case []any:
		if bv, ok := b.([]any); ok {
			return diffArray(ops, path, av, bv)
		}
	}
	if equal(a, b) {
		return ops
	}
	return append(ops, Op{Op: OpReplace, Path: path, Value: b})
}

func diffObject(ops []Op, path string, a, b map[string]any) []Op {
	for _, k := range sortedKeys(a) {
		if _, ok := b[k]; !ok {
			ops = append(ops, Op{Op: OpRemove, Path: join(path, escape(k))})
		}
	}
	for _, k := range sortedKeys(b) {
		p := join(path, escape(k))
		av, ok := a[k]
		if !ok {
			ops = append(ops, Op{Op: OpAdd, Path: p, Value: b[k]})
			continue
		}
		ops = diffValue(ops, p, av, b[k])
	}
	return ops
}

func diffArray(ops []Op, path string, a, b []any) []Op {
	common := min(len(a), len(b))
	for i := 0; i < common; i++ {
		ops = diffValue(ops, join(path, strconv.Itoa(i)), a[i], b[i])
	}
	for i := common; i < len(b); i++ {
		ops = append(ops, Op{Op: OpAdd, Path: join(path, strconv.Itoa(i)), Value: b[i]})
	}
	for i := len(a) - 1; i >= common; i-- {
		ops = append(ops, Op{Op: OpRemove, Path: join(path, strconv.Itoa(i))})
	}
	return ops
}

func equal(a, b any) bool {
	if an, ok := number(a); ok {
		if bn, ok := number(b); ok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// number widens the numeric kinds a store may hand us so that int(3) and
// float64(3) compare equal.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(path, seg string) string {
	if path == "" {
		return seg
	}
	return path + "/" + seg
}

var (
	escaper   = strings.NewReplacer("~", "~0", "/", "~1")
	unescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

func escape(seg string) string {
	return escaper.Replace(seg)
}

// Split returns the unescaped segments of path.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = unescaper.Replace(p)
	}
	return parts
}
