package specindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRefsReturnsReferencedSubtree(t *testing.T) {
	doc := map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"zone": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
					},
				},
			},
		},
	}

	fragment := map[string]any{"$ref": "#/components/schemas/zone"}

	out := ResolveRefs(fragment, doc)
	assert.Equal(t, doc["components"].(map[string]any)["schemas"].(map[string]any)["zone"], out)
}

func TestResolveRefsCircular(t *testing.T) {
	doc := map[string]any{
		"components": map[string]any{
			"schemas": map[string]any{
				"node": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"child": map[string]any{"$ref": "#/components/schemas/node"},
					},
				},
			},
		},
	}

	out := ResolveRefs(map[string]any{"$ref": "#/components/schemas/node"}, doc)

	m, ok := out.(map[string]any)
	require.True(t, ok)

	child := m["properties"].(map[string]any)["child"]
	assert.Equal(t, map[string]any{"$circular": "#/components/schemas/node"}, child,
		"second encounter of the same ref must become a circular marker")
}

func TestResolveRefsUnresolvableLeftAsIs(t *testing.T) {
	fragment := map[string]any{"$ref": "#/components/schemas/missing"}

	out := ResolveRefs(fragment, map[string]any{})
	assert.Equal(t, fragment, out)
}

func TestExtractProduct(t *testing.T) {
	tests := []struct {
		path  string
		want  string
		found bool
	}{
		{"/accounts/{account_id}/workers/scripts", "workers", true},
		{"/zones/{zone_id}/dns_records", "dns_records", true},
		{"/client/v4/graphql", "", false},
		{"/accounts/{account_id}", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, found := ExtractProduct(tt.path)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlatten(t *testing.T) {
	doc := map[string]any{
		"openapi": "3.0.0",
		"paths": map[string]any{
			"/zones/{zone_id}/dns_records": map[string]any{
				"get": map[string]any{
					"summary": "List DNS records",
					"responses": map[string]any{
						"200": map[string]any{"$ref": "#/components/responses/ok"},
					},
				},
			},
			"/accounts/{account_id}/workers/scripts": map[string]any{
				"get": map[string]any{"summary": "List scripts"},
			},
		},
		"components": map[string]any{
			"responses": map[string]any{
				"ok": map[string]any{"description": "success"},
			},
		},
	}

	flat, products := Flatten(doc)

	assert.Equal(t, []string{"dns_records", "workers"}, products, "products are sorted")
	assert.NotContains(t, flat, "components", "components are inlined and dropped")

	paths := flat["paths"].(map[string]any)
	dns := paths["/zones/{zone_id}/dns_records"].(map[string]any)["get"].(map[string]any)
	assert.Equal(t, "dns_records", dns["product"])
	assert.Equal(t, map[string]any{"description": "success"},
		dns["responses"].(map[string]any)["200"], "$ref resolved inline")
}
