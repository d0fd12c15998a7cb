package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
	"github.com/csiiiv/philgeps-awards-dashboard/pkg/logger"
)

// Background task kinds accepted by Submit.
const (
	TaskChipSearch          = "chip_search"
	TaskChipAggregates      = "chip_aggregates"
	TaskAggregatesPaginated = "chip_aggregates_paginated"
	TaskValueDistribution   = "value_distribution"
	TaskExportRecords       = "chip_export"
	TaskExportAggregated    = "chip_export_aggregated"
)

// TaskParams is the single parameter shape shared by every task kind.
// Unused fields are ignored by kinds that do not need them.
type TaskParams struct {
	Filter    model.FilterRequest      `json:"filter"`
	Page      model.PageSpec           `json:"page"`
	Dimension model.AggregateDimension `json:"dimension,omitempty"`
	NumBins   int                      `json:"num_bins,omitempty"`
}

// TaskResultEnvelope is the terminal payload cached under the submission
// key. Errors are cached too, but never as success.
type TaskResultEnvelope struct {
	Status string `json:"status"` // success or error
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubmitResult is the synchronous response to a task submission.
type SubmitResult struct {
	TaskID   string `json:"task_id,omitempty"`
	CacheKey string `json:"cache_key"`
	Status   string `json:"status"` // queued or cached
	Result   any    `json:"result,omitempty"`
}

// Orchestrator runs heavy queries and exports on a background worker pool,
// broadcasting lifecycle events and memoizing terminal results.
type Orchestrator struct {
	store      *TaskStore
	broker     *TaskBroker
	cache      *ResponseCache
	engine     *Engine
	aggregator *Aggregator
	exporter   *Exporter
	uploader   *ArtifactUploader

	pool       *ants.Pool
	maxRetries int
	backoff    time.Duration
	exportDir  string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOrchestrator wires the task plane. uploader may be nil when no object
// store is configured; export artifacts then stay on local disk only.
func NewOrchestrator(store *TaskStore, broker *TaskBroker, cache *ResponseCache, engine *Engine, aggregator *Aggregator, exporter *Exporter, uploader *ArtifactUploader, workers, maxRetries int, backoff time.Duration, exportDir string) (*Orchestrator, error) {
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	if exportDir != "" {
		if err := os.MkdirAll(exportDir, 0o755); err != nil {
			return nil, fmt.Errorf("tasks: create export dir: %w", err)
		}
	}
	return &Orchestrator{
		store:      store,
		broker:     broker,
		cache:      cache,
		engine:     engine,
		aggregator: aggregator,
		exporter:   exporter,
		uploader:   uploader,
		pool:       pool,
		maxRetries: maxRetries,
		backoff:    backoff,
		exportDir:  exportDir,
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Close stops the worker pool and cancels running tasks.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.pool.Release()
}

// Broker exposes the event broker for push subscribers.
func (o *Orchestrator) Broker() *TaskBroker { return o.broker }

// Submit schedules a task, or returns the cached terminal result when an
// identical submission already completed. The dedup key hashes the kind and
// the canonicalized parameters.
func (o *Orchestrator) Submit(kind string, params TaskParams) (*SubmitResult, error) {
	switch kind {
	case TaskChipSearch, TaskChipAggregates, TaskAggregatesPaginated, TaskValueDistribution, TaskExportRecords, TaskExportAggregated:
	default:
		return nil, validationError("invalid_task_kind", "unknown task kind %q", kind)
	}
	if kind == TaskAggregatesPaginated || kind == TaskExportAggregated {
		if !params.Dimension.Valid() {
			return nil, validationError("invalid_dimension", "task kind %q requires a valid dimension", kind)
		}
	}

	cacheKey := CacheKey("task:"+kind, params)
	if env, ok := o.lookupEnvelope(cacheKey); ok {
		return &SubmitResult{CacheKey: cacheKey, Status: "cached", Result: env}, nil
	}

	taskID := uuid.New().String()
	now := time.Now()
	o.store.Put(&model.TaskRecord{
		ID:        taskID,
		Kind:      kind,
		State:     model.TaskPending,
		CacheKey:  cacheKey,
		CreatedAt: now,
		UpdatedAt: now,
	})
	o.broadcast(taskID, model.TaskPending, "queued", 0, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.mu.Unlock()

	if err := o.pool.Submit(func() {
		defer o.forgetCancel(taskID)
		o.run(ctx, taskID, kind, params, cacheKey)
	}); err != nil {
		o.forgetCancel(taskID)
		o.finish(taskID, cacheKey, nil, fmt.Errorf("schedule: %w", err))
		return nil, searchError("task_schedule", "schedule task: %v", err)
	}

	return &SubmitResult{TaskID: taskID, CacheKey: cacheKey, Status: "queued"}, nil
}

// Status returns the current task record.
func (o *Orchestrator) Status(taskID string) (*model.TaskRecord, bool) {
	return o.store.Get(taskID)
}

// List returns every known task record, newest first.
func (o *Orchestrator) List() []model.TaskRecord {
	return o.store.List()
}

// Cancel marks a task for termination. The running attempt observes the
// cancelled context and the task still reaches a terminal state.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
		return true
	}
	rec, found := o.store.Get(taskID)
	return found && rec.State.Terminal()
}

// CachedResult looks up a terminal envelope by cache key.
func (o *Orchestrator) CachedResult(cacheKey string) (*TaskResultEnvelope, bool) {
	return o.lookupEnvelopePtr(cacheKey)
}

func (o *Orchestrator) lookupEnvelope(cacheKey string) (TaskResultEnvelope, bool) {
	env, ok := o.lookupEnvelopePtr(cacheKey)
	if !ok {
		return TaskResultEnvelope{}, false
	}
	return *env, true
}

func (o *Orchestrator) lookupEnvelopePtr(cacheKey string) (*TaskResultEnvelope, bool) {
	for _, v := range []func(string) (any, bool){o.cache.GetLong, o.cache.Get} {
		if raw, ok := v(cacheKey); ok {
			if env, ok := raw.(TaskResultEnvelope); ok {
				return &env, true
			}
		}
	}
	return nil, false
}

func (o *Orchestrator) forgetCancel(taskID string) {
	o.mu.Lock()
	delete(o.cancels, taskID)
	o.mu.Unlock()
}

// run drives one task through its lifecycle with a bounded retry budget and
// fixed backoff between attempts.
func (o *Orchestrator) run(ctx context.Context, taskID, kind string, params TaskParams, cacheKey string) {
	ctx = context.WithValue(ctx, logger.TaskIDKey, taskID)
	o.transition(taskID, model.TaskStarted, "started", 0)
	logger.Info(ctx, "task started", "kind", kind)

	var result any
	var err error
	for attempt := 0; ; attempt++ {
		result, err = o.execute(ctx, taskID, kind, params)
		// Validation errors are deterministic caller mistakes; retrying
		// them can never succeed.
		if err == nil || ctx.Err() != nil || IsValidation(err) || attempt >= o.maxRetries {
			break
		}
		o.store.Update(taskID, func(rec *model.TaskRecord) {
			rec.State = model.TaskRetry
			rec.RetryCount++
			rec.StatusMsg = fmt.Sprintf("retrying after error: %v", err)
		})
		o.broadcast(taskID, model.TaskRetry, fmt.Sprintf("retrying after error: %v", err), 0, nil, "")
		logger.Warn(ctx, "task attempt failed, retrying", "kind", kind, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(o.backoff):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil && err == nil {
		err = fmt.Errorf("cancelled")
	}
	o.finish(taskID, cacheKey, result, err)
	if err != nil {
		logger.Warn(ctx, "task failed", "kind", kind, "error", err)
	} else {
		logger.Info(ctx, "task finished", "kind", kind)
	}
}

// finish records the terminal state, caches the envelope and broadcasts.
// Cancelled tasks fail with a terminal record but are not cached, so a
// later identical submission runs fresh.
func (o *Orchestrator) finish(taskID, cacheKey string, result any, err error) {
	if err != nil {
		cancelled := err.Error() == "cancelled" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		msg := err.Error()
		o.store.Update(taskID, func(rec *model.TaskRecord) {
			rec.State = model.TaskFailure
			rec.Error = msg
			rec.StatusMsg = msg
		})
		o.broadcast(taskID, model.TaskFailure, msg, 100, nil, msg)
		if !cancelled {
			o.cache.Set(cacheKey, TaskResultEnvelope{Status: "error", Error: msg})
		}
		return
	}
	o.store.Update(taskID, func(rec *model.TaskRecord) {
		rec.State = model.TaskSuccess
		rec.Progress = 100
		rec.Result = result
		rec.StatusMsg = "completed"
	})
	o.broadcast(taskID, model.TaskSuccess, "completed", 100, result, "")
	o.cache.SetLong(cacheKey, TaskResultEnvelope{Status: "success", Data: result})
}

func (o *Orchestrator) transition(taskID string, state model.TaskState, msg string, progress int) {
	o.store.Update(taskID, func(rec *model.TaskRecord) {
		rec.State = state
		rec.StatusMsg = msg
		rec.Progress = progress
	})
	o.broadcast(taskID, state, msg, progress, nil, "")
}

func (o *Orchestrator) progress(taskID string, pct int, msg string) {
	o.transition(taskID, model.TaskProgress, msg, pct)
}

func (o *Orchestrator) broadcast(taskID string, state model.TaskState, msg string, progress int, result any, errMsg string) {
	o.broker.Broadcast(model.TaskEvent{
		TaskID:   taskID,
		State:    state,
		Status:   msg,
		Progress: progress,
		Result:   result,
		Error:    errMsg,
	})
}

// execute runs one attempt of the task body.
func (o *Orchestrator) execute(ctx context.Context, taskID, kind string, params TaskParams) (any, error) {
	pred := CompileFilter(&params.Filter)

	switch kind {
	case TaskChipSearch:
		sortSpec, err := ValidateSort(params.Page.SortBy, params.Page.SortDirection)
		if err != nil {
			return nil, err
		}
		o.progress(taskID, 10, "searching")
		res, err := o.engine.Search(ctx, pred, SearchOptions{
			Page:                 params.Page.Page,
			PageSize:             params.Page.PageSize,
			Sort:                 sortSpec,
			IncludeSupplementary: params.Filter.IncludeFloodControl,
		})
		if err != nil {
			return nil, err
		}
		o.progress(taskID, 90, "search complete")
		return res, nil

	case TaskChipAggregates:
		o.progress(taskID, 10, "aggregating")
		res, err := o.aggregator.Aggregates(ctx, pred, params.Filter.IncludeFloodControl)
		if err != nil {
			return nil, err
		}
		o.progress(taskID, 90, "aggregation complete")
		return res, nil

	case TaskAggregatesPaginated:
		sortSpec, err := ValidateAggregateSort(params.Page.SortBy, params.Page.SortDirection)
		if err != nil {
			return nil, err
		}
		o.progress(taskID, 10, "aggregating")
		res, err := o.aggregator.Paginated(ctx, pred, params.Dimension, sortSpec, params.Page.Page, params.Page.PageSize, params.Filter.IncludeFloodControl)
		if err != nil {
			return nil, err
		}
		o.progress(taskID, 90, "aggregation complete")
		return res, nil

	case TaskValueDistribution:
		o.progress(taskID, 10, "computing distribution")
		res, err := o.aggregator.ValueDistribution(ctx, pred, params.NumBins, params.Filter.IncludeFloodControl)
		if err != nil {
			return nil, err
		}
		o.progress(taskID, 90, "distribution complete")
		return res, nil

	case TaskExportRecords:
		return o.runExport(ctx, taskID, "contracts", func(f *os.File) (int64, error) {
			return o.exporter.StreamRecords(ctx, f, pred, params.Filter.IncludeFloodControl)
		})

	case TaskExportAggregated:
		return o.runExport(ctx, taskID, "aggregates_"+string(params.Dimension), func(f *os.File) (int64, error) {
			return o.exporter.StreamAggregates(ctx, f, pred, params.Dimension, params.Filter.IncludeFloodControl)
		})
	}
	return nil, validationError("invalid_task_kind", "unknown task kind %q", kind)
}

// runExport streams CSV into a file under the export dir, then uploads the
// artifact when an object store is configured.
func (o *Orchestrator) runExport(ctx context.Context, taskID, stem string, stream func(f *os.File) (int64, error)) (any, error) {
	o.progress(taskID, 5, "preparing export")
	name := fmt.Sprintf("%s_%s.csv", stem, time.Now().Format("20060102_150405"))
	path := filepath.Join(o.exportDir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, exportError("create_file", "create export file: %v", err)
	}

	o.progress(taskID, 20, "streaming rows")
	rows, streamErr := stream(f)
	closeErr := f.Close()
	if streamErr != nil {
		os.Remove(path)
		return nil, streamErr
	}
	if ctx.Err() != nil {
		os.Remove(path)
		return nil, ctx.Err()
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, exportError("close_file", "close export file: %v", closeErr)
	}

	result := map[string]any{
		"file": name,
		"rows": rows,
	}
	if o.uploader != nil {
		o.progress(taskID, 80, "uploading artifact")
		url, err := o.uploader.Upload(ctx, path, name)
		if err != nil {
			return nil, err
		}
		result["url"] = url
	}
	o.progress(taskID, 95, "export complete")
	return result, nil
}

// CleanupExports removes export artifacts older than maxAge. Returns the
// number of files removed.
func (o *Orchestrator) CleanupExports(maxAge time.Duration) (int, error) {
	if o.exportDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(o.exportDir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".csv" {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(o.exportDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
