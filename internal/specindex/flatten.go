package specindex

import (
	"sort"
	"strings"
)

var operationMethods = []string{"get", "post", "put", "delete", "patch", "head", "options"}

// ResolveRefs walks fragment and replaces every {"$ref": "#/..."}
// object with the referenced subtree from doc, resolved recursively.
// A ref encountered a second time on the same descent is replaced with
// a circular marker instead of recursing forever. Refs that do not
// resolve are left as-is.
func ResolveRefs(fragment any, doc map[string]any) any {
	return resolve(fragment, doc, map[string]bool{})
}

func resolve(node any, doc map[string]any, seen map[string]bool) any {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			if seen[ref] {
				return map[string]any{"$circular": ref}
			}

			target, found := lookupRef(doc, ref)
			if !found {
				return v
			}

			seen[ref] = true
			out := resolve(target, doc, seen)
			delete(seen, ref)

			return out
		}

		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = resolve(item, doc, seen)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolve(item, doc, seen)
		}

		return out
	default:
		return node
	}
}

// lookupRef follows a local JSON pointer ("#/components/schemas/Zone")
// through doc.
func lookupRef(doc map[string]any, ref string) (any, bool) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, false
	}

	cur := any(doc)
	for _, seg := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		seg = strings.ReplaceAll(seg, "~1", "/")
		seg = strings.ReplaceAll(seg, "~0", "~")

		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// ExtractProduct infers a product name from an API path: the segment
// immediately following the first {placeholder} segment. Paths without
// a placeholder, or with nothing after it, have no product.
func ExtractProduct(path string) (string, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if i+1 < len(segments) && segments[i+1] != "" {
				return segments[i+1], true
			}

			return "", false
		}
	}

	return "", false
}

// Flatten produces the searchable form of an API specification
// document: every $ref under paths resolved inline, every operation
// tagged with its inferred product, plus the sorted list of distinct
// product names. The components section is dropped from the output
// since its content is inlined.
func Flatten(doc map[string]any) (map[string]any, []string) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "components" {
			continue
		}
		out[k] = v
	}

	productSet := map[string]struct{}{}

	paths, _ := doc["paths"].(map[string]any)
	flatPaths := make(map[string]any, len(paths))

	for path, raw := range paths {
		item, ok := ResolveRefs(raw, doc).(map[string]any)
		if !ok {
			flatPaths[path] = raw
			continue
		}

		product, hasProduct := ExtractProduct(path)
		if hasProduct {
			productSet[product] = struct{}{}
		}

		for _, method := range operationMethods {
			op, ok := item[method].(map[string]any)
			if !ok {
				continue
			}

			if hasProduct {
				op["product"] = product
			}
		}

		flatPaths[path] = item
	}

	out["paths"] = flatPaths

	products := make([]string, 0, len(productSet))
	for p := range productSet {
		products = append(products, p)
	}
	sort.Strings(products)

	return out, products
}
