// Package parser extracts listing data from the site's search and vehicle
// detail pages.
package parser

// dig walks nested JSON maps along path and returns the leaf value, or nil
// when any intermediate node is missing or not a map. Field lookups in this
// package must never panic; only block selection may fail.
func dig(payload map[string]any, path ...string) any {
	var cur any = payload
	for _, key := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = node[key]; !ok {
			return nil
		}
	}
	return cur
}

// digList is dig with an empty-list default, for fields the output schema
// treats as collections.
func digList(payload map[string]any, path ...string) any {
	value := dig(payload, path...)
	if value == nil {
		return []any{}
	}
	return value
}
