package uiperm

import (
	"time"

	"github.com/platinummonkey/releasegate/pkg/rbac"
)

// ElementType classifies a catalog element
type ElementType string

const (
	ElementMenu    ElementType = "menu"
	ElementButton  ElementType = "button"
	ElementSection ElementType = "section"
	ElementFeature ElementType = "feature"
)

// Valid reports whether t is a known element type
func (t ElementType) Valid() bool {
	switch t {
	case ElementMenu, ElementButton, ElementSection, ElementFeature:
		return true
	}
	return false
}

// Element is one entry of the UI element catalog
type Element struct {
	ID             int64          `json:"id" yaml:"-"`
	Key            string         `json:"key" yaml:"key"`
	Type           ElementType    `json:"type" yaml:"type"`
	ParentResource *rbac.Resource `json:"parent_resource,omitempty" yaml:"parent_resource"`
}

// Override is a per-subject point override of one element. Enabled is only
// meaningful when Visible is true.
type Override struct {
	SubjectID  string    `json:"subject_id"`
	ElementID  int64     `json:"ui_element_id"`
	ElementKey string    `json:"element_key"`
	Visible    bool      `json:"is_visible"`
	Enabled    bool      `json:"is_enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
	UpdatedBy  *string   `json:"updated_by,omitempty"`
}

// AuditValues returns the override fields recorded in audit old/new values
func (o *Override) AuditValues() map[string]interface{} {
	if o == nil {
		return nil
	}
	return map[string]interface{}{
		"subject_id":    o.SubjectID,
		"ui_element_id": o.ElementID,
		"element_key":   o.ElementKey,
		"is_visible":    o.Visible,
		"is_enabled":    o.Enabled,
	}
}

// Stored is the visible/enabled pair as stored, possibly inconsistent
type Stored struct {
	Visible bool
	Enabled bool
}

// Result is the effective rendering hint for one element. Enabled implies
// Visible. Degraded results come from the built-in fallback and must never
// be used as an authorization decision.
type Result struct {
	Key      string      `json:"key"`
	Visible  bool        `json:"visible"`
	Enabled  bool        `json:"enabled"`
	Degraded bool        `json:"degraded"`
	Source   rbac.Source `json:"source"`
}

// Decision is a single visible or enabled answer
type Decision struct {
	Allowed  bool `json:"allowed"`
	Degraded bool `json:"degraded"`
}
