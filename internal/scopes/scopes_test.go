package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogNotEmpty(t *testing.T) {
	require.NotEmpty(t, Catalog())
	require.NotEmpty(t, Templates())
}

func TestExactlyOneDefaultTemplate(t *testing.T) {
	defaults := 0
	for _, tmpl := range Templates() {
		if tmpl.Default {
			defaults++
		}
	}

	assert.Equal(t, 1, defaults)
	assert.True(t, Default().Default)
}

// Every scope referenced by any template must exist in the catalog.
func TestTemplateScopesExistInCatalog(t *testing.T) {
	for _, tmpl := range Templates() {
		for _, name := range tmpl.Scopes {
			_, ok := Lookup(name)
			assert.True(t, ok, "template %q references unknown scope %q", tmpl.Name, name)
		}
	}
}

func TestTemplatesIncludeRequiredScopes(t *testing.T) {
	for _, tmpl := range Templates() {
		for _, req := range Required() {
			assert.Contains(t, tmpl.Scopes, req, "template %q is missing required scope %q", tmpl.Name)
		}
	}
}

func TestTemplatesWithinCap(t *testing.T) {
	for _, tmpl := range Templates() {
		assert.LessOrEqual(t, len(tmpl.Scopes), MaxRequestScopes, "template %q exceeds the request cap", tmpl.Name)
	}
}

func TestReadOnlyTemplateHasNoWriteScopes(t *testing.T) {
	tmpl, ok := TemplateByName("read_only")
	require.True(t, ok)

	for _, name := range tmpl.Scopes {
		assert.False(t, IsWriteScope(name), "read_only template contains write scope %q", name)
	}
}

func TestIsWriteScope(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		want  bool
	}{
		{"write suffix", "workers:write", true},
		{"edit suffix", "dns_records:edit", true},
		{"admin suffix", "connectivity:admin", true},
		{"run suffix", "ai-search:run", true},
		{"pii suffix", "teams:pii", true},
		{"bind suffix", "connectivity:bind", true},
		{"read suffix", "workers:read", false},
		{"no suffix", "offline_access", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWriteScope(tt.scope))
		})
	}
}

func TestRequiredScopesExist(t *testing.T) {
	for _, name := range Required() {
		_, ok := Lookup(name)
		assert.True(t, ok, "required scope %q missing from catalog", name)
	}
}

func TestSanitize(t *testing.T) {
	t.Run("drops unknown scopes", func(t *testing.T) {
		out := Sanitize([]string{"workers:read", "not-a-scope"})
		assert.Contains(t, out, "workers:read")
		assert.NotContains(t, out, "not-a-scope")
	})

	t.Run("unions required scopes", func(t *testing.T) {
		out := Sanitize([]string{"workers:read"})
		for _, req := range Required() {
			assert.Contains(t, out, req)
		}
	})

	t.Run("deduplicates", func(t *testing.T) {
		out := Sanitize([]string{"workers:read", "workers:read"})
		count := 0
		for _, s := range out {
			if s == "workers:read" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("clamps to cap", func(t *testing.T) {
		var all []string
		for _, s := range Catalog() {
			all = append(all, s.Name)
		}
		require.Greater(t, len(all), MaxRequestScopes, "catalog too small to exercise the cap")

		out := Sanitize(all)
		assert.Len(t, out, MaxRequestScopes)
	})

	t.Run("empty input yields required only", func(t *testing.T) {
		out := Sanitize(nil)
		assert.ElementsMatch(t, Required(), out)
	})
}

func TestCategories(t *testing.T) {
	cats := Categories()
	require.NotEmpty(t, cats)

	seen := make(map[string]struct{})
	for _, c := range cats {
		_, dup := seen[c]
		assert.False(t, dup, "duplicate category %q", c)
		seen[c] = struct{}{}
	}

	for _, c := range cats {
		assert.NotEmpty(t, ByCategory(c))
	}
}
