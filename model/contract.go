package model

import (
	"strings"
	"time"
)

// ContractRecord is one row of the canonical schema shared by every facts
// partition. Records are produced by the external ETL pipeline and are
// read-only here. Parquet tags match the column names in the facts files.
type ContractRecord struct {
	ReferenceID      string  `parquet:"contract_number,optional" json:"reference_id"`
	AwardTitle       string  `parquet:"award_title,optional" json:"award_title"`
	NoticeTitle      string  `parquet:"notice_title,optional" json:"notice_title"`
	AwardDate        string  `parquet:"award_date,optional" json:"award_date"`
	AwardeeName      string  `parquet:"awardee_name,optional" json:"awardee_name"`
	OrganizationName string  `parquet:"organization_name,optional" json:"organization_name"`
	BusinessCategory string  `parquet:"business_category,optional" json:"business_category"`
	AreaOfDelivery   string  `parquet:"area_of_delivery,optional" json:"area_of_delivery"`
	ContractAmount   float64 `parquet:"contract_amount,optional" json:"contract_amount"`
	AwardStatus      string  `parquet:"award_status,optional" json:"award_status"`
	// SearchText is a precomputed lowercase concatenation of the title
	// fields, used only for keyword matching. Never rendered to clients.
	SearchText string `parquet:"search_text,optional" json:"-"`
}

// ParseAwardDate parses the award date column, which the ETL writes either
// as a plain date or as a timestamp prefix. Returns false for blank or
// malformed values.
func ParseAwardDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// TimeRange is one OR'd entry of a filter request's time constraint.
type TimeRange struct {
	Type      string `json:"type"` // yearly, quarterly, custom
	Year      int    `json:"year,omitempty"`
	Quarter   int    `json:"quarter,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// ValueRange bounds the contract amount. Either bound may be absent.
type ValueRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// FilterRequest is the chip-based filter shared by search, aggregates,
// histogram and export. Within a dimension chips are OR'd; a chip may encode
// an AND-group with the "&&" delimiter. An empty list imposes no constraint.
type FilterRequest struct {
	Contractors         []string    `json:"contractors,omitempty"`
	Areas               []string    `json:"areas,omitempty"`
	Organizations       []string    `json:"organizations,omitempty"`
	BusinessCategories  []string    `json:"business_categories,omitempty"`
	Keywords            []string    `json:"keywords,omitempty"`
	TimeRanges          []TimeRange `json:"time_ranges,omitempty"`
	ValueRange          *ValueRange `json:"value_range,omitempty"`
	IncludeFloodControl bool        `json:"include_flood_control,omitempty"`
}

// PageSpec carries pagination and sorting for search-like requests.
type PageSpec struct {
	Page          int    `json:"page"`
	PageSize      int    `json:"page_size"`
	SortBy        string `json:"sortBy"`
	SortDirection string `json:"sortDirection"`
}

// Pagination echoes the page window plus totals in responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalCount int64 `json:"total_count"`
	TotalPages int64 `json:"total_pages"`
}

// NewPagination derives the totals for a page window.
func NewPagination(page, pageSize int, totalCount int64) Pagination {
	ps := int64(pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: totalCount,
		TotalPages: (totalCount + ps - 1) / ps,
	}
}

// SearchResult is the page of records plus totals from one filtered pass.
type SearchResult struct {
	Data       []ContractRecord `json:"data"`
	Pagination Pagination       `json:"pagination"`
}

// AggregateDimension selects the grouping column for dimension rollups.
type AggregateDimension string

const (
	ByContractor   AggregateDimension = "by_contractor"
	ByOrganization AggregateDimension = "by_organization"
	ByArea         AggregateDimension = "by_area"
	ByCategory     AggregateDimension = "by_category"
)

// Valid reports whether the dimension is one of the four grouping columns.
func (d AggregateDimension) Valid() bool {
	switch d {
	case ByContractor, ByOrganization, ByArea, ByCategory:
		return true
	}
	return false
}

// AggregateRow is one grouped rollup row.
type AggregateRow struct {
	Label      string  `json:"label"`
	TotalValue float64 `json:"total_value"`
	Count      int64   `json:"count"`
	AvgValue   float64 `json:"avg_value"`
}

// YearBucket is one point of the yearly time series.
type YearBucket struct {
	Year       int     `json:"year"`
	TotalValue float64 `json:"total_value"`
	Count      int64   `json:"count"`
}

// MonthBucket is one point of the monthly time series. Month is "YYYY-MM".
type MonthBucket struct {
	Month      string  `json:"month"`
	TotalValue float64 `json:"total_value"`
	Count      int64   `json:"count"`
}

// Summary holds the overall totals for a filtered set.
type Summary struct {
	Count      int64   `json:"count"`
	TotalValue float64 `json:"total_value"`
	AvgValue   float64 `json:"avg_value"`
}

// AggregatesData carries every chart view computed from one filtered scan.
type AggregatesData struct {
	Summary        Summary        `json:"summary"`
	ByYear         []YearBucket   `json:"by_year"`
	ByMonth        []MonthBucket  `json:"by_month"`
	ByContractor   []AggregateRow `json:"by_contractor"`
	ByOrganization []AggregateRow `json:"by_organization"`
	ByArea         []AggregateRow `json:"by_area"`
	ByCategory     []AggregateRow `json:"by_category"`
}

// PaginatedAggregates is one page of a single-dimension rollup.
type PaginatedAggregates struct {
	Data       []AggregateRow `json:"data"`
	Pagination Pagination     `json:"pagination"`
}

// HistogramBin is one equal-width bucket of the value distribution.
type HistogramBin struct {
	Bin        int     `json:"bin"`
	BinStart   float64 `json:"bin_start"`
	BinEnd     float64 `json:"bin_end"`
	Count      int64   `json:"count"`
	TotalValue float64 `json:"total_value"`
	AvgValue   float64 `json:"avg_value"`
}

// Histogram is the value distribution of contract amounts > 0.
type Histogram struct {
	MinValue float64        `json:"min_value"`
	MaxValue float64        `json:"max_value"`
	BinWidth float64        `json:"bin_width"`
	Bins     []HistogramBin `json:"bins"`
}

// ExportEstimate previews an export without materializing it.
type ExportEstimate struct {
	TotalCount        int64 `json:"total_count"`
	EstimatedCSVBytes int64 `json:"estimated_csv_bytes"`
}

// FilterOptions lists the distinct values available per dimension.
type FilterOptions struct {
	Contractors        []string `json:"contractors"`
	Areas              []string `json:"areas"`
	Organizations      []string `json:"organizations"`
	BusinessCategories []string `json:"business_categories"`
	Years              []int    `json:"years"`
}

// TaskState is the lifecycle state of a background task.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskStarted  TaskState = "STARTED"
	TaskProgress TaskState = "PROGRESS"
	TaskSuccess  TaskState = "SUCCESS"
	TaskFailure  TaskState = "FAILURE"
	TaskRetry    TaskState = "RETRY"
)

// Terminal reports whether the state ends the task lifecycle.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// TaskRecord is the orchestrator's view of one background task.
type TaskRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	State      TaskState `json:"state"`
	Progress   int       `json:"progress"`
	StatusMsg  string    `json:"status,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	CacheKey   string    `json:"cache_key"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskEvent is one progress broadcast on the push channels.
type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	State    TaskState `json:"state"`
	Status   string    `json:"status,omitempty"`
	Progress int       `json:"progress"`
	Result   any       `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
}
