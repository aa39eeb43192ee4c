package tracking

import (
	"time"

	"github.com/platinummonkey/releasegate/pkg/rbac"
)

// Table is one of the audited release-tracking tables
type Table string

const (
	TableVersions       Table = "versions"
	TableClients        Table = "clients"
	TableModules        Table = "modules"
	TableCards          Table = "cards"
	TableVersionClients Table = "version_clients"
)

// Tables lists every tracked table
var Tables = []Table{TableVersions, TableClients, TableModules, TableCards, TableVersionClients}

// tableResources maps each table to the resource that guards it. Cards and
// version/client links belong to the versions screen.
var tableResources = map[Table]rbac.Resource{
	TableVersions:       rbac.ResourceVersions,
	TableClients:        rbac.ResourceClients,
	TableModules:        rbac.ResourceModules,
	TableCards:          rbac.ResourceVersions,
	TableVersionClients: rbac.ResourceVersions,
}

// ParseTable parses a table name; unknown names return false
func ParseTable(s string) (Table, bool) {
	t := Table(s)
	_, ok := tableResources[t]
	return t, ok
}

// Resource returns the resource that guards t
func (t Table) Resource() rbac.Resource {
	return tableResources[t]
}

// Row is one domain record. Field-level contents of Data belong to the
// dashboard.
type Row struct {
	ID        string                 `json:"id"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// AuditValues returns the values recorded in audit old/new values
func (r *Row) AuditValues() map[string]interface{} {
	if r == nil {
		return nil
	}
	values := make(map[string]interface{}, len(r.Data))
	for k, v := range r.Data {
		values[k] = v
	}
	return values
}
