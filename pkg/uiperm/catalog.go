package uiperm

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/releasegate/pkg/profile"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

type catalogFile struct {
	Elements []Element `yaml:"elements"`
}

// EmbeddedCatalog returns the catalog shipped with the binary
func EmbeddedCatalog() ([]Element, error) {
	return ParseCatalog(embeddedCatalog)
}

// ParseCatalog parses a YAML catalog. Keys must be unique and types and
// parent resources known.
func ParseCatalog(data []byte) ([]Element, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse UI catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Elements))
	for i, e := range file.Elements {
		if e.Key == "" {
			return nil, fmt.Errorf("UI catalog element %d has no key", i)
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("duplicate UI catalog key %q", e.Key)
		}
		if !e.Type.Valid() {
			return nil, fmt.Errorf("UI catalog key %q has unknown type %q", e.Key, e.Type)
		}
		if e.ParentResource != nil && !e.ParentResource.Valid() {
			return nil, fmt.Errorf("UI catalog key %q has unknown parent resource %q", e.Key, *e.ParentResource)
		}
		seen[e.Key] = true
	}

	return file.Elements, nil
}

type rolePattern struct {
	fragments []string
	minimum   profile.Role
	mutating  bool
}

// rolePatterns is evaluated in order; the first pattern with a fragment
// contained in the element key decides. Keys matching none are visible to
// every active role.
var rolePatterns = []rolePattern{
	{fragments: []string{"delete"}, minimum: profile.RoleManager, mutating: true},
	{fragments: []string{"audit"}, minimum: profile.RoleManager},
	{fragments: []string{"user", "admin", "permission"}, minimum: profile.RoleAdmin},
	{fragments: []string{"export"}, minimum: profile.RoleEditor, mutating: true},
	{fragments: []string{"create", "edit", "new", "bulk"}, minimum: profile.RoleEditor, mutating: true},
}

func (p rolePattern) matches(key string) bool {
	for _, f := range p.fragments {
		if strings.Contains(key, f) {
			return true
		}
	}
	return false
}

// RoleDefault returns the pattern-table visibility of key for role
func RoleDefault(role profile.Role, key string) bool {
	if !role.Valid() {
		return false
	}
	key = strings.ToLower(key)
	for _, p := range rolePatterns {
		if p.matches(key) {
			return role.AtLeast(p.minimum)
		}
	}
	return true
}

// Mutating reports whether key matches any mutating pattern, regardless of
// which pattern decides its visibility.
func Mutating(key string) bool {
	key = strings.ToLower(key)
	for _, p := range rolePatterns {
		if p.mutating && p.matches(key) {
			return true
		}
	}
	return false
}
