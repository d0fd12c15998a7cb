package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// Label the ETL writes into grouping columns of records that belong to the
// supplementary dataset but carry no real value there.
const supplementarySentinel = "no flood control data"

// DefaultTopN bounds the per-dimension rollups of the multi-view response.
const DefaultTopN = 20

// Aggregator computes grouped views over filtered scans.
type Aggregator struct {
	engine *Engine
	topN   int
}

// NewAggregator wraps the shared engine. topN <= 0 selects the default.
func NewAggregator(engine *Engine, topN int) *Aggregator {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{engine: engine, topN: topN}
}

// groupAcc accumulates one group's running totals.
type groupAcc struct {
	total float64
	count int64
}

// aggState is the mutable accumulator shared by one multi-view pass.
type aggState struct {
	mu sync.Mutex

	count int64
	sum   float64

	byYear  map[int]*groupAcc
	byMonth map[string]*groupAcc

	contractors map[string]*groupAcc
	orgs        map[string]*groupAcc
	areas       map[string]*groupAcc
	categories  map[string]*groupAcc
}

func newAggState() *aggState {
	return &aggState{
		byYear:      make(map[int]*groupAcc),
		byMonth:     make(map[string]*groupAcc),
		contractors: make(map[string]*groupAcc),
		orgs:        make(map[string]*groupAcc),
		areas:       make(map[string]*groupAcc),
		categories:  make(map[string]*groupAcc),
	}
}

func accumulate(m map[string]*groupAcc, label string, amount float64) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	acc := m[label]
	if acc == nil {
		acc = &groupAcc{}
		m[label] = acc
	}
	acc.total += amount
	acc.count++
}

// Aggregates computes every chart view from one filtered scan. A view whose
// finalization fails degrades to its empty value instead of failing the
// whole response.
func (a *Aggregator) Aggregates(ctx context.Context, pred Predicate, includeSupplementary bool) (*model.AggregatesData, error) {
	st := newAggState()

	err := a.engine.Scan(ctx, pred, includeSupplementary, func(batch []model.ContractRecord) error {
		st.mu.Lock()
		defer st.mu.Unlock()
		for i := range batch {
			r := &batch[i]
			st.count++
			st.sum += r.ContractAmount

			if t, ok := model.ParseAwardDate(r.AwardDate); ok {
				y := t.Year()
				if acc := st.byYear[y]; acc != nil {
					acc.total += r.ContractAmount
					acc.count++
				} else {
					st.byYear[y] = &groupAcc{total: r.ContractAmount, count: 1}
				}
				accumulate(st.byMonth, t.Format("2006-01"), r.ContractAmount)
			}

			accumulate(st.contractors, r.AwardeeName, r.ContractAmount)
			accumulate(st.orgs, r.OrganizationName, r.ContractAmount)
			accumulate(st.areas, r.AreaOfDelivery, r.ContractAmount)
			accumulate(st.categories, r.BusinessCategory, r.ContractAmount)
		}
		return nil
	})
	if err != nil {
		return nil, aggregationError("scan", "aggregate scan: %v", err)
	}

	out := &model.AggregatesData{}
	out.Summary = model.Summary{Count: st.count, TotalValue: st.sum}
	if st.count > 0 {
		out.Summary.AvgValue = st.sum / float64(st.count)
	}
	safeView("by_year", func() { out.ByYear = yearSeries(st.byYear) })
	safeView("by_month", func() { out.ByMonth = monthSeries(st.byMonth) })
	safeView("by_contractor", func() { out.ByContractor = topRows(st.contractors, a.topN) })
	safeView("by_organization", func() { out.ByOrganization = topRows(st.orgs, a.topN) })
	safeView("by_area", func() { out.ByArea = topRows(st.areas, a.topN) })
	safeView("by_category", func() { out.ByCategory = topRows(st.categories, a.topN) })
	return out, nil
}

// safeView isolates one view's finalization so a panic degrades that view to
// empty instead of taking down the response.
func safeView(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("aggregates: view failed, returning empty", "view", name, "panic", r)
		}
	}()
	fn()
}

func yearSeries(m map[int]*groupAcc) []model.YearBucket {
	out := make([]model.YearBucket, 0, len(m))
	for y, acc := range m {
		out = append(out, model.YearBucket{Year: y, TotalValue: acc.total, Count: acc.count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out
}

func monthSeries(m map[string]*groupAcc) []model.MonthBucket {
	out := make([]model.MonthBucket, 0, len(m))
	for mo, acc := range m {
		out = append(out, model.MonthBucket{Month: mo, TotalValue: acc.total, Count: acc.count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

// topRows converts a group map into rows ordered by total value descending
// and truncated to n.
func topRows(m map[string]*groupAcc, n int) []model.AggregateRow {
	rows := groupRows(m)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalValue != rows[j].TotalValue {
			return rows[i].TotalValue > rows[j].TotalValue
		}
		return rows[i].Label < rows[j].Label
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func groupRows(m map[string]*groupAcc) []model.AggregateRow {
	rows := make([]model.AggregateRow, 0, len(m))
	for label, acc := range m {
		row := model.AggregateRow{Label: label, TotalValue: acc.total, Count: acc.count}
		if acc.count > 0 {
			row.AvgValue = acc.total / float64(acc.count)
		}
		rows = append(rows, row)
	}
	return rows
}

// AggregateSort is a validated sort for paginated aggregates.
type AggregateSort struct {
	Field      string // total_value, count, avg_value, label
	Descending bool
}

// ValidateAggregateSort checks the sort field against the rollup columns.
// The direction falls back to descending like record sorts do.
func ValidateAggregateSort(sortBy, direction string) (AggregateSort, error) {
	field := strings.ToLower(strings.TrimSpace(sortBy))
	if field == "" {
		field = "total_value"
	}
	switch field {
	case "total_value", "count", "avg_value", "label":
	default:
		return AggregateSort{}, validationError("invalid_sort_field", "unsupported aggregate sort field %q", sortBy)
	}
	s := AggregateSort{Field: field}
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "asc", "ascending":
		s.Descending = false
	default:
		s.Descending = true
	}
	return s, nil
}

func (s AggregateSort) less(a, b *model.AggregateRow) bool {
	var cmp int
	switch s.Field {
	case "count":
		cmp = compareInt64(a.Count, b.Count)
	case "avg_value":
		cmp = compareFloat(a.AvgValue, b.AvgValue)
	case "label":
		cmp = strings.Compare(a.Label, b.Label)
	default:
		cmp = compareFloat(a.TotalValue, b.TotalValue)
	}
	if cmp == 0 {
		return a.Label < b.Label
	}
	if s.Descending {
		return cmp > 0
	}
	return cmp < 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Paginated groups one dimension and pages the rollup with the same
// single-pass count+page discipline as record search. Rows whose label is
// the supplementary sentinel are excluded unless the request opted in. An
// unconstrained request over the default partitions is served from the
// precomputed rollup partition when one exists.
func (a *Aggregator) Paginated(ctx context.Context, pred Predicate, dim model.AggregateDimension, sortSpec AggregateSort, page, pageSize int, includeSupplementary bool) (*model.PaginatedAggregates, error) {
	if !dim.Valid() {
		return nil, validationError("invalid_dimension", "unsupported aggregate dimension %q", dim)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var rows []model.AggregateRow
	if IsMatchAll(pred) && !includeSupplementary {
		if part, ok := a.engine.Catalog().Rollup(string(dim)); ok {
			cached, err := readRollup(part)
			if err == nil {
				rows = cached
			} else {
				slog.Warn("aggregates: rollup partition unreadable, falling back to scan", "partition", part.ID, "error", err)
			}
		}
	}

	if rows == nil {
		groups := make(map[string]*groupAcc)
		var mu sync.Mutex
		err := a.engine.Scan(ctx, pred, includeSupplementary, func(batch []model.ContractRecord) error {
			mu.Lock()
			defer mu.Unlock()
			for i := range batch {
				accumulate(groups, dimensionLabel(&batch[i], dim), batch[i].ContractAmount)
			}
			return nil
		})
		if err != nil {
			return nil, aggregationError("scan", "aggregate scan: %v", err)
		}
		rows = groupRows(groups)
	}

	if !includeSupplementary {
		rows = dropSentinel(rows)
	}

	sort.Slice(rows, func(i, j int) bool { return sortSpec.less(&rows[i], &rows[j]) })

	total := int64(len(rows))
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(rows) {
		start = len(rows)
	}
	if end > len(rows) {
		end = len(rows)
	}
	pageRows := make([]model.AggregateRow, end-start)
	copy(pageRows, rows[start:end])

	return &model.PaginatedAggregates{
		Data:       pageRows,
		Pagination: model.NewPagination(page, pageSize, total),
	}, nil
}

func dimensionLabel(r *model.ContractRecord, dim model.AggregateDimension) string {
	switch dim {
	case model.ByContractor:
		return r.AwardeeName
	case model.ByOrganization:
		return r.OrganizationName
	case model.ByArea:
		return r.AreaOfDelivery
	case model.ByCategory:
		return r.BusinessCategory
	}
	return ""
}

func dropSentinel(rows []model.AggregateRow) []model.AggregateRow {
	out := rows[:0]
	for _, row := range rows {
		if strings.EqualFold(strings.TrimSpace(row.Label), supplementarySentinel) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// rollupRow is the schema of the precomputed agg_<dimension> partitions.
type rollupRow struct {
	Label      string  `parquet:"label,optional"`
	TotalValue float64 `parquet:"total_value,optional"`
	Count      int64   `parquet:"count,optional"`
}

// readRollup loads a precomputed rollup partition in full. Rollups are
// small (one row per distinct group).
func readRollup(part Partition) ([]model.AggregateRow, error) {
	f, err := os.Open(part.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, err
	}
	reader := parquet.NewGenericReader[rollupRow](pf)
	defer reader.Close()

	var rows []model.AggregateRow
	buf := make([]rollupRow, 1024)
	for {
		n, readErr := reader.Read(buf)
		for i := 0; i < n; i++ {
			row := model.AggregateRow{
				Label:      buf[i].Label,
				TotalValue: buf[i].TotalValue,
				Count:      buf[i].Count,
			}
			if row.Count > 0 {
				row.AvgValue = row.TotalValue / float64(row.Count)
			}
			rows = append(rows, row)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return rows, nil
			}
			return nil, readErr
		}
	}
}
