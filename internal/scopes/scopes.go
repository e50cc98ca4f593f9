// Package scopes is the static catalog of permission scopes and consent
// templates. The catalog is embedded at build time; coherence between
// templates and the catalog is enforced by tests rather than at runtime.
package scopes

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed scopes.yaml
var catalogYAML []byte

// MaxRequestScopes is the hard cap on scopes in a single authorization
// request. The upstream authorization server rejects requests beyond
// this; the consent UI disables further checkboxes at the cap, but the
// server-side Clamp is the authoritative enforcement.
const MaxRequestScopes = 40

// Scope is one entry in the permission catalog.
type Scope struct {
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// Template is a named preset bundle of scopes shown on the consent screen.
type Template struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Default     bool     `yaml:"default"`
	Scopes      []string `yaml:"scopes"`
}

type catalogFile struct {
	Required  []string   `yaml:"required"`
	Scopes    []Scope    `yaml:"scopes"`
	Templates []Template `yaml:"templates"`
}

var registry catalogFile

func init() {
	if err := yaml.Unmarshal(catalogYAML, &registry); err != nil {
		panic(fmt.Sprintf("scopes: parsing embedded catalog: %v", err))
	}
}

// Catalog returns every registered scope in file order.
func Catalog() []Scope {
	return registry.Scopes
}

// Required returns the scopes included in every authorization request
// regardless of what the user selects.
func Required() []string {
	return registry.Required
}

// Lookup returns the catalog entry for a scope name.
func Lookup(name string) (Scope, bool) {
	for _, s := range registry.Scopes {
		if s.Name == name {
			return s, true
		}
	}

	return Scope{}, false
}

// Templates returns all consent templates in file order.
func Templates() []Template {
	return registry.Templates
}

// TemplateByName returns the template with the given name.
func TemplateByName(name string) (Template, bool) {
	for _, t := range registry.Templates {
		if t.Name == name {
			return t, true
		}
	}

	return Template{}, false
}

// Default returns the default template. The catalog is validated by
// tests to contain exactly one.
func Default() Template {
	for _, t := range registry.Templates {
		if t.Default {
			return t
		}
	}

	// Unreachable with a valid catalog; fall back to the first entry
	// so a broken build fails visibly in tests, not with a panic here.
	return registry.Templates[0]
}

// Categories returns the distinct scope categories in catalog order.
func Categories() []string {
	seen := make(map[string]struct{})

	var cats []string

	for _, s := range registry.Scopes {
		if _, dup := seen[s.Category]; dup {
			continue
		}

		seen[s.Category] = struct{}{}
		cats = append(cats, s.Category)
	}

	return cats
}

// ByCategory returns the catalog scopes for one category, in file order.
func ByCategory(category string) []Scope {
	var out []Scope

	for _, s := range registry.Scopes {
		if s.Category == category {
			out = append(out, s)
		}
	}

	return out
}

// writeSuffixes classifies scopes that grant mutation or privileged
// access. Used to keep such scopes out of read-only presets.
var writeSuffixes = []string{
	":write", ":edit", ":admin", ":run", ":pii", ":setup", ":bind", ":secure_location",
}

// IsWriteScope reports whether a scope name is write-oriented per the
// registry's suffix classification rule.
func IsWriteScope(name string) bool {
	for _, suffix := range writeSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}

// Sanitize filters a submitted scope list down to known catalog names,
// removes duplicates while preserving order, unions in the required
// scopes, and truncates to MaxRequestScopes. This is the server-side
// authority; client-side checkbox disabling is UX only.
func Sanitize(submitted []string) []string {
	seen := make(map[string]struct{})

	var out []string

	add := func(name string) {
		if _, known := Lookup(name); !known {
			return
		}

		if _, dup := seen[name]; dup {
			return
		}

		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, name := range registry.Required {
		add(name)
	}

	for _, name := range submitted {
		add(name)
	}

	if len(out) > MaxRequestScopes {
		out = out[:MaxRequestScopes]
	}

	return out
}
