package cfn

// Map walks path through nested mappings.
func Map(node map[string]any, path ...string) (map[string]any, bool) {
	cur := node
	for _, p := range path {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// List returns the list at path.
func List(node map[string]any, path ...string) ([]any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	parent, ok := Map(node, path[:len(path)-1]...)
	if !ok {
		return nil, false
	}
	l, ok := parent[path[len(path)-1]].([]any)
	return l, ok
}

// String returns the string at path. Non-string values report false.
func String(node map[string]any, path ...string) (string, bool) {
	if len(path) == 0 {
		return "", false
	}
	parent, ok := Map(node, path[:len(path)-1]...)
	if !ok {
		return "", false
	}
	s, ok := parent[path[len(path)-1]].(string)
	return s, ok
}

// Set stores value at path, creating intermediate mappings. A non-mapping
// value along the path is replaced.
func Set(node map[string]any, value any, path ...string) {
	if len(path) == 0 {
		return
	}
	cur := node
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// Delete removes the key at path. Missing intermediate keys are a no-op.
func Delete(node map[string]any, path ...string) {
	if len(path) == 0 {
		return
	}
	parent, ok := Map(node, path[:len(path)-1]...)
	if !ok {
		return
	}
	delete(parent, path[len(path)-1])
}

// Maps returns the mapping elements of a list, skipping anything else.
func Maps(l []any) []map[string]any {
	out := make([]map[string]any, 0, len(l))
	for _, e := range l {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
