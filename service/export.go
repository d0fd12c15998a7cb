package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// Fallback per-row byte estimates when no sample row is available.
const (
	estRecordRowBytes    = 250
	estAggregateRowBytes = 120
	estimateSampleRows   = 100
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var recordHeader = []string{
	"reference_id",
	"award_title",
	"notice_title",
	"award_date",
	"awardee_name",
	"organization_name",
	"business_category",
	"area_of_delivery",
	"contract_amount",
	"award_status",
}

var aggregateHeader = []string{"label", "total_value", "count", "avg_value"}

// Exporter streams filtered results as CSV without materializing the full
// result set. Batches are fetched in unsorted mode; memory is bounded by
// the batch size regardless of how many rows match.
type Exporter struct {
	engine     *Engine
	aggregator *Aggregator

	batchSize     int
	retryAttempts int
	retryBackoff  time.Duration
	includeBOM    bool
}

// NewExporter wires the export pipeline over the shared engine.
func NewExporter(engine *Engine, aggregator *Aggregator, batchSize, retryAttempts int, retryBackoff time.Duration, includeBOM bool) *Exporter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &Exporter{
		engine:        engine,
		aggregator:    aggregator,
		batchSize:     batchSize,
		retryAttempts: retryAttempts,
		retryBackoff:  retryBackoff,
		includeBOM:    includeBOM,
	}
}

// flusher is implemented by response writers that can push buffered bytes
// to the consumer between batches.
type flusher interface{ Flush() }

// StreamRecords writes the record-level CSV export to w and returns the
// number of data rows written. Consumer disconnects stop the stream cleanly
// with a nil error; transient fetch failures are retried a bounded number
// of times before the stream aborts with an ExportError.
func (e *Exporter) StreamRecords(ctx context.Context, w io.Writer, pred Predicate, includeSupplementary bool) (int64, error) {
	if e.includeBOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return 0, exportWriteError(err)
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(recordHeader); err != nil {
		return 0, exportWriteError(err)
	}

	var written int64
	for offset := 0; ; offset += e.batchSize {
		if cancelled(ctx) {
			slog.Info("export: consumer disconnected, stopping stream", "rows", written)
			return written, nil
		}
		batch, err := e.fetchRecordBatch(ctx, pred, includeSupplementary, offset)
		if err != nil {
			if cancelled(ctx) {
				return written, nil
			}
			return written, err
		}
		for i := range batch {
			if err := cw.Write(recordRow(&batch[i])); err != nil {
				return written, exportWriteError(err)
			}
			written++
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			if cancelled(ctx) {
				return written, nil
			}
			return written, exportWriteError(err)
		}
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
		if len(batch) < e.batchSize {
			return written, nil
		}
	}
}

// fetchRecordBatch pulls one bounded batch in deterministic unsorted order,
// retrying transient scan failures with a fixed backoff.
func (e *Exporter) fetchRecordBatch(ctx context.Context, pred Predicate, includeSupplementary bool, offset int) ([]model.ContractRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		batch := make([]model.ContractRecord, 0, e.batchSize)
		err := e.engine.ScanSequential(ctx, pred, includeSupplementary, offset, e.batchSize, func(r *model.ContractRecord) error {
			batch = append(batch, *r)
			return nil
		})
		if err == nil {
			return batch, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
		slog.Warn("export: batch fetch failed", "attempt", attempt, "offset", offset, "error", err)
		if attempt < e.retryAttempts && e.retryBackoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryBackoff):
			}
		}
	}
	return nil, exportError("fetch_exhausted", "batch fetch failed after %d attempts: %v", e.retryAttempts, lastErr)
}

// StreamAggregates writes the aggregate-level CSV export for one dimension.
// The rollup fits in memory (one row per distinct group) but rows are still
// written and flushed in batches so a slow consumer never buffers the whole
// body.
func (e *Exporter) StreamAggregates(ctx context.Context, w io.Writer, pred Predicate, dim model.AggregateDimension, includeSupplementary bool) (int64, error) {
	rows, err := e.fetchAggregateRows(ctx, pred, dim, includeSupplementary)
	if err != nil {
		if cancelled(ctx) {
			return 0, nil
		}
		return 0, err
	}

	if e.includeBOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return 0, exportWriteError(err)
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(aggregateHeader); err != nil {
		return 0, exportWriteError(err)
	}

	var written int64
	for start := 0; start < len(rows); start += e.batchSize {
		if cancelled(ctx) {
			slog.Info("export: consumer disconnected, stopping stream", "rows", written)
			return written, nil
		}
		end := start + e.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		for i := start; i < end; i++ {
			if err := cw.Write(aggregateRow(&rows[i])); err != nil {
				return written, exportWriteError(err)
			}
			written++
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			if cancelled(ctx) {
				return written, nil
			}
			return written, exportWriteError(err)
		}
		if f, ok := w.(flusher); ok {
			f.Flush()
		}
	}
	cw.Flush()
	return written, nil
}

func (e *Exporter) fetchAggregateRows(ctx context.Context, pred Predicate, dim model.AggregateDimension, includeSupplementary bool) ([]model.AggregateRow, error) {
	sortSpec := AggregateSort{Field: "total_value", Descending: true}
	var lastErr error
	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		var attemptErr error
		page, err := e.aggregator.Paginated(ctx, pred, dim, sortSpec, 1, maxPageSize, includeSupplementary)
		if err == nil {
			rows := page.Data
			// Pull remaining pages; exports ignore the page window.
			for p := 2; int64(len(rows)) < page.Pagination.TotalCount; p++ {
				next, err := e.aggregator.Paginated(ctx, pred, dim, sortSpec, p, maxPageSize, includeSupplementary)
				if err != nil {
					attemptErr = err
					break
				}
				if len(next.Data) == 0 {
					break
				}
				rows = append(rows, next.Data...)
			}
			if attemptErr == nil {
				return rows, nil
			}
		} else {
			if IsValidation(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			attemptErr = err
		}
		lastErr = attemptErr
		slog.Warn("export: aggregate fetch failed", "attempt", attempt, "error", lastErr)
		if attempt < e.retryAttempts && e.retryBackoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retryBackoff):
			}
		}
	}
	return nil, exportError("fetch_exhausted", "aggregate fetch failed after %d attempts: %v", e.retryAttempts, lastErr)
}

// EstimateRecords previews a record export: exact count from a count-only
// pass, size from the count times an observed average row width. The width
// comes from serializing a bounded sample, so the estimate stays O(sample).
func (e *Exporter) EstimateRecords(ctx context.Context, pred Predicate, includeSupplementary bool) (*model.ExportEstimate, error) {
	total, err := e.engine.Count(ctx, pred, includeSupplementary)
	if err != nil {
		return nil, exportError("estimate", "count pass: %v", err)
	}

	avg := int64(estRecordRowBytes)
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	sampled := 0
	scanErr := e.engine.ScanSequential(ctx, pred, includeSupplementary, 0, estimateSampleRows, func(r *model.ContractRecord) error {
		sampled++
		return cw.Write(recordRow(r))
	})
	cw.Flush()
	if scanErr == nil && sampled > 0 {
		avg = int64(buf.Len() / sampled)
	}
	return &model.ExportEstimate{
		TotalCount:        total,
		EstimatedCSVBytes: total * avg,
	}, nil
}

// EstimateAggregates previews an aggregate export using the fallback row
// width; the group count requires the grouping pass either way.
func (e *Exporter) EstimateAggregates(ctx context.Context, pred Predicate, dim model.AggregateDimension, includeSupplementary bool) (*model.ExportEstimate, error) {
	page, err := e.aggregator.Paginated(ctx, pred, dim, AggregateSort{Field: "total_value", Descending: true}, 1, 1, includeSupplementary)
	if err != nil {
		if IsValidation(err) {
			return nil, err
		}
		return nil, exportError("estimate", "aggregate pass: %v", err)
	}
	return &model.ExportEstimate{
		TotalCount:        page.Pagination.TotalCount,
		EstimatedCSVBytes: page.Pagination.TotalCount * estAggregateRowBytes,
	}, nil
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func exportWriteError(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return exportError("write", "write csv: %v", err)
}

func recordRow(r *model.ContractRecord) []string {
	return []string{
		r.ReferenceID,
		r.AwardTitle,
		r.NoticeTitle,
		r.AwardDate,
		r.AwardeeName,
		r.OrganizationName,
		r.BusinessCategory,
		r.AreaOfDelivery,
		strconv.FormatFloat(r.ContractAmount, 'f', 2, 64),
		r.AwardStatus,
	}
}

func aggregateRow(row *model.AggregateRow) []string {
	return []string{
		row.Label,
		strconv.FormatFloat(row.TotalValue, 'f', 2, 64),
		strconv.FormatInt(row.Count, 10),
		strconv.FormatFloat(row.AvgValue, 'f', 2, 64),
	}
}
