package audit

import (
	"strings"
	"time"
)

// Operation is the kind of mutation an audit record describes
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ParseOperation parses an operation name case-insensitively
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	return op, op.Valid()
}

// BulkSentinel is the changed_fields entry for bulk or unknown-diff writes
const BulkSentinel = "*"

// Record is one immutable audit entry. It refers to the mutated row by value
// through (TableName, RecordID).
type Record struct {
	ID            int64                  `json:"id"`
	TableName     string                 `json:"table_name"`
	Operation     Operation              `json:"operation_type"`
	RecordID      string                 `json:"record_id"`
	OldValues     map[string]interface{} `json:"old_values"`
	NewValues     map[string]interface{} `json:"new_values"`
	ChangedFields []string               `json:"changed_fields"`
	SubjectID     *string                `json:"subject_id"`
	SubjectEmail  *string                `json:"subject_email"`
	Timestamp     time.Time              `json:"timestamp"`
	SessionID     *string                `json:"session_id"`
	RequestID     *string                `json:"request_id"`
	Description   *string                `json:"description"`
	Tags          []string               `json:"tags"`
}

// Entry is what a caller hands the Recorder for one mutation
type Entry struct {
	Operation   Operation
	TableName   string
	RecordID    string
	OldValues   map[string]interface{}
	NewValues   map[string]interface{}
	Description string
	Tags        []string
	// Bulk marks writes whose diff is unknown; changed_fields becomes ["*"]
	Bulk bool
}

// Filter narrows audit queries. Zero values do not filter.
type Filter struct {
	TableName string
	Operation Operation
	// Search matches description or subject email, case-insensitively
	Search    string
	From      *time.Time
	To        *time.Time
	RecordID  string
	SubjectID string
}

// Page requests one page of results. Page is 1-based.
type Page struct {
	Page    int
	PerPage int
}

const (
	DefaultPerPage = 25
	MaxPerPage     = 100
)

// Normalize applies defaults and bounds
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

// Offset returns the row offset of the page
func (p Page) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// Pagination describes where a page sits in the full result
type Pagination struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasPrev    bool  `json:"has_prev"`
	HasNext    bool  `json:"has_next"`
}

// NewPagination computes pagination for a normalized page and total
func NewPagination(p Page, total int64) Pagination {
	perPage := int64(p.PerPage)
	return Pagination{
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      total,
		TotalPages: int((total + perPage - 1) / perPage),
		HasPrev:    p.Page > 1,
		HasNext:    int64(p.Page)*perPage < total,
	}
}

// ListResult is one page of audit records
type ListResult struct {
	Data       []Record   `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Stats is the materialized audit summary. It may be a few seconds stale.
type Stats struct {
	TotalLogs       int64     `json:"total_logs"`
	LogsLast7Days   int64     `json:"logs_last_7_days"`
	MostActiveTable string    `json:"most_active_table"`
	MostActiveUser  string    `json:"most_active_user"`
	RefreshedAt     time.Time `json:"refreshed_at"`
}
