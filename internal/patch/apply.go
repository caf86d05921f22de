package patch

import (
	"fmt"
	"strconv"
)

// Apply returns base with ops applied. base is not modified.
func Apply(base any, ops []Op) (any, error) {
	doc := clone(base)
	for _, op := range ops {
		var err error
		doc, err = applyOp(doc, op)
		if err != nil {
			return nil, fmt.Errorf("apply %s %q: %w", op.Op, op.Path, err)
		}
	}
	return doc, nil
}

func applyOp(doc any, op Op) (any, error) {
	segs := Split(op.Path)
	if len(segs) == 0 {
		if op.Op == OpRemove {
			return nil, nil
		}
		return clone(op.Value), nil
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return set(doc, segs, op)
}

func set(node any, segs []string, op Op) (any, error) {
	key := segs[0]
	last := len(segs) == 1

	switch n := node.(type) {
	case map[string]any:
		if last {
			if op.Op == OpRemove {
				delete(n, key)
			} else {
				n[key] = clone(op.Value)
			}
			return n, nil
		}
		child, ok := n[key]
		if !ok {
			return nil, fmt.Errorf("missing key %q", key)
		}
		updated, err := set(child, segs[1:], op)
		if err != nil {
			return nil, err
		}
		n[key] = updated
		return n, nil

	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad index %q", key)
		}
		if last {
			switch op.Op {
			case OpAdd:
				if idx > len(n) {
					return nil, fmt.Errorf("index %d out of range", idx)
				}
				n = append(n, nil)
				copy(n[idx+1:], n[idx:])
				n[idx] = clone(op.Value)
			case OpReplace:
				if idx >= len(n) {
					return nil, fmt.Errorf("index %d out of range", idx)
				}
				n[idx] = clone(op.Value)
			case OpRemove:
				if idx >= len(n) {
					return nil, fmt.Errorf("index %d out of range", idx)
				}
				n = append(n[:idx], n[idx+1:]...)
			}
			return n, nil
		}
		if idx >= len(n) {
			return nil, fmt.Errorf("index %d out of range", idx)
		}
		updated, err := set(n[idx], segs[1:], op)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	}
	return nil, fmt.Errorf("cannot descend into %T at %q", node, key)
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	}
	return v
}
