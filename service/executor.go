package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// Engine executes filtered queries over the catalog's partitions. One Engine
// is constructed per process and shared by every request; its scan pool
// bounds how many partitions are decoded concurrently.
type Engine struct {
	catalog   *Catalog
	pool      *ants.Pool
	batchSize int

	// scans counts completed partition scans. Tests use it to prove the
	// cache short-circuits repeated requests.
	scans atomic.Int64
}

// NewEngine builds the shared query engine. workers bounds concurrent
// partition scans, batchSize the rows decoded per parquet read call.
func NewEngine(catalog *Catalog, workers, batchSize int) (*Engine, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if batchSize <= 0 {
		batchSize = 4096
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Engine{catalog: catalog, pool: pool, batchSize: batchSize}, nil
}

// Close releases the scan pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// Catalog exposes the engine's partition catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// ScanCount returns the number of partition scans completed so far.
func (e *Engine) ScanCount() int64 { return e.scans.Load() }

// SearchOptions tunes one Search call. Zero values mean page 1, default
// page size, sorted mode with a full count.
type SearchOptions struct {
	Page     int
	PageSize int
	Sort     SortSpec

	// SkipCount suppresses the exact total; the response reports only
	// whether more pages exist (totalCount = -1).
	SkipCount bool
	// CountOnly returns the total without materializing any page.
	CountOnly bool
	// IncludeSupplementary unions the opt-in flood-control partition.
	IncludeSupplementary bool
}

const (
	defaultPageSize = 20
	maxPageSize     = 1000
)

func normalizePage(opts *SearchOptions) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = defaultPageSize
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
}

// Search runs one filtered pass over the selected partitions and returns the
// requested page together with the total count. Partitions are scanned in
// parallel; matches are merged, sorted once, and sliced, so the count and the
// page come from the same pass.
func (e *Engine) Search(ctx context.Context, pred Predicate, opts SearchOptions) (*model.SearchResult, error) {
	normalizePage(&opts)

	if opts.CountOnly {
		total, err := e.Count(ctx, pred, opts.IncludeSupplementary)
		if err != nil {
			return nil, err
		}
		return &model.SearchResult{
			Data:       []model.ContractRecord{},
			Pagination: model.NewPagination(opts.Page, opts.PageSize, total),
		}, nil
	}

	matched, err := e.collect(ctx, pred, opts.IncludeSupplementary)
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		return opts.Sort.Less(&matched[i], &matched[j])
	})

	total := int64(len(matched))
	start := (opts.Page - 1) * opts.PageSize
	end := start + opts.PageSize
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}
	page := make([]model.ContractRecord, end-start)
	copy(page, matched[start:end])

	pg := model.NewPagination(opts.Page, opts.PageSize, total)
	if opts.SkipCount {
		pg.TotalCount = -1
		pg.TotalPages = -1
	}
	return &model.SearchResult{Data: page, Pagination: pg}, nil
}

// Count returns the number of matching records without materializing them.
func (e *Engine) Count(ctx context.Context, pred Predicate, includeSupplementary bool) (int64, error) {
	var total atomic.Int64
	err := e.Scan(ctx, pred, includeSupplementary, func(batch []model.ContractRecord) error {
		total.Add(int64(len(batch)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// collect gathers every matching record across partitions.
func (e *Engine) collect(ctx context.Context, pred Predicate, includeSupplementary bool) ([]model.ContractRecord, error) {
	var mu sync.Mutex
	var matched []model.ContractRecord
	err := e.Scan(ctx, pred, includeSupplementary, func(batch []model.ContractRecord) error {
		mu.Lock()
		matched = append(matched, batch...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// Scan runs fn over batches of matching records, with partitions decoded in
// parallel on the scan pool. fn must be safe for concurrent calls. A
// partition that fails mid-read is logged and skipped; Scan fails only when
// no partition could be read at all, or when ctx is cancelled.
func (e *Engine) Scan(ctx context.Context, pred Predicate, includeSupplementary bool, fn func(batch []model.ContractRecord) error) error {
	parts := e.catalog.FactPartitions(includeSupplementary)
	if len(parts) == 0 {
		return searchError("no_partitions", "no compatible partitions available")
	}

	var wg sync.WaitGroup
	var okCount atomic.Int64
	var mu sync.Mutex
	var firstErr error

	for _, part := range parts {
		part := part
		wg.Add(1)
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			err := e.scanPartition(ctx, part, pred, fn)
			switch {
			case err == nil:
				okCount.Add(1)
				e.scans.Add(1)
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || isScanAbort(err):
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			default:
				slog.Warn("scan: partition failed, skipping", "partition", part.ID, "error", err)
			}
		})
		if submitErr != nil {
			wg.Done()
			return searchError("scan_pool", "submit partition scan: %v", submitErr)
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if firstErr != nil {
		return firstErr
	}
	if okCount.Load() == 0 {
		return searchError("all_partitions_failed", "every partition scan failed")
	}
	return nil
}

// ScanSequential runs fn over matching records in deterministic partition
// order on the calling goroutine. offset rows are skipped before any are
// delivered; when limit > 0 the scan stops early after limit rows. The
// export driver depends on this ordering being stable across calls.
func (e *Engine) ScanSequential(ctx context.Context, pred Predicate, includeSupplementary bool, offset, limit int, fn func(r *model.ContractRecord) error) error {
	parts := e.catalog.FactPartitions(includeSupplementary)
	if len(parts) == 0 {
		return searchError("no_partitions", "no compatible partitions available")
	}

	skipped, delivered := 0, 0
	okCount := 0
	for _, part := range parts {
		if limit > 0 && delivered >= limit {
			break
		}
		err := e.scanPartition(ctx, part, pred, func(batch []model.ContractRecord) error {
			for i := range batch {
				if skipped < offset {
					skipped++
					continue
				}
				if limit > 0 && delivered >= limit {
					return errScanDone
				}
				if err := fn(&batch[i]); err != nil {
					return err
				}
				delivered++
			}
			return nil
		})
		switch {
		case err == nil || errors.Is(err, errScanDone):
			okCount++
			e.scans.Add(1)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			if isScanAbort(err) {
				return err
			}
			slog.Warn("scan: partition failed, skipping", "partition", part.ID, "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if okCount == 0 {
		return searchError("all_partitions_failed", "every partition scan failed")
	}
	return nil
}

// errScanDone signals an early, successful stop of a sequential scan.
var errScanDone = errors.New("scan done")

// isScanAbort distinguishes caller-raised errors from partition read
// failures: anything wrapping our structured Error aborts the whole scan.
func isScanAbort(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

// scanPartition decodes one parquet partition in batches and forwards the
// matching rows: open, read row batches until EOF, filter in memory.
func (e *Engine) scanPartition(ctx context.Context, part Partition, pred Predicate, fn func(batch []model.ContractRecord) error) (err error) {
	// The parquet reader panics on some malformed files; convert that
	// into a partition-level error so one bad file cannot kill a scan.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan %s: %v", part.ID, r)
		}
	}()

	f, err := os.Open(part.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[model.ContractRecord](f)
	defer reader.Close()

	buf := make([]model.ContractRecord, e.batchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			matched := buf[:0:0]
			for i := 0; i < n; i++ {
				if pred.Match(&buf[i]) {
					matched = append(matched, buf[i])
				}
			}
			if len(matched) > 0 {
				if err := fn(matched); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
