package service

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

func newTestOrchestrator(t *testing.T, e *Engine, maxRetries int, backoff time.Duration) (*Orchestrator, string) {
	t.Helper()
	agg := NewAggregator(e, 0)
	exp := NewExporter(e, agg, 100, 1, 0, false)
	cache := NewResponseCache(32, time.Minute, time.Hour)
	exportDir := t.TempDir()
	o, err := NewOrchestrator(NewTaskStore(100), NewTaskBroker(64), cache, e, agg, exp, nil, 2, maxRetries, backoff, exportDir)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, exportDir
}

func waitTerminal(t *testing.T, o *Orchestrator, taskID string) *model.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := o.Status(taskID); ok && rec.State.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := o.Status(taskID)
	t.Fatalf("task %s never reached a terminal state: %+v", taskID, rec)
	return nil
}

func TestTaskLifecycleSuccess(t *testing.T) {
	e := defaultTestEngine(t)
	o, _ := newTestOrchestrator(t, e, 2, time.Millisecond)

	events, cancel := o.Broker().Subscribe(TopicAllTasks)
	defer cancel()

	res, err := o.Submit(TaskChipSearch, TaskParams{
		Page: model.PageSpec{Page: 1, PageSize: 5, SortBy: "contract_amount", SortDirection: "desc"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != "queued" || res.TaskID == "" || res.CacheKey == "" {
		t.Fatalf("submit result: %+v", res)
	}

	rec := waitTerminal(t, o, res.TaskID)
	if rec.State != model.TaskSuccess {
		t.Fatalf("terminal state: %s (%s)", rec.State, rec.Error)
	}
	if rec.Progress != 100 || rec.Result == nil {
		t.Errorf("terminal record incomplete: %+v", rec)
	}

	// The global topic saw the whole lifecycle through to SUCCESS.
	seen := map[model.TaskState]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[model.TaskSuccess] {
		select {
		case ev := <-events:
			if ev.TaskID == res.TaskID {
				seen[ev.State] = true
			}
		case <-timeout:
			t.Fatalf("missing terminal event, saw %v", seen)
		}
	}
	for _, want := range []model.TaskState{model.TaskPending, model.TaskStarted, model.TaskProgress} {
		if !seen[want] {
			t.Errorf("state %s never broadcast", want)
		}
	}

	search, ok := rec.Result.(*model.SearchResult)
	if !ok {
		t.Fatalf("result type: %T", rec.Result)
	}
	if search.Pagination.TotalCount != 10 || len(search.Data) != 5 {
		t.Errorf("search result wrong: %+v", search.Pagination)
	}
}

func TestTaskSubmissionIsIdempotent(t *testing.T) {
	e := defaultTestEngine(t)
	o, _ := newTestOrchestrator(t, e, 2, time.Millisecond)

	params := TaskParams{Filter: model.FilterRequest{Areas: []string{"cebu"}}}
	first, err := o.Submit(TaskChipAggregates, params)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, first.TaskID)

	second, err := o.Submit(TaskChipAggregates, params)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != "cached" {
		t.Fatalf("identical resubmission must hit the cache, got %s", second.Status)
	}
	if second.CacheKey != first.CacheKey {
		t.Error("cache key must be derived from kind and params only")
	}
	env, ok := second.Result.(TaskResultEnvelope)
	if !ok || env.Status != "success" || env.Data == nil {
		t.Fatalf("cached envelope wrong: %+v", second.Result)
	}

	// A different filter produces a different key and a fresh task.
	third, err := o.Submit(TaskChipAggregates, TaskParams{Filter: model.FilterRequest{Areas: []string{"davao"}}})
	if err != nil {
		t.Fatal(err)
	}
	if third.Status != "queued" {
		t.Errorf("different params must schedule a new task, got %s", third.Status)
	}
	waitTerminal(t, o, third.TaskID)
}

func TestTaskRetryBudgetThenFailure(t *testing.T) {
	e := defaultTestEngine(t)
	o, _ := newTestOrchestrator(t, e, 2, time.Millisecond)

	// Remove the dataset so every attempt fails.
	for _, p := range e.Catalog().Snapshot() {
		os.Remove(p.Path)
	}

	res, err := o.Submit(TaskChipSearch, TaskParams{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitTerminal(t, o, res.TaskID)
	if rec.State != model.TaskFailure {
		t.Fatalf("terminal state: %s", rec.State)
	}
	if rec.RetryCount != 2 {
		t.Errorf("retry count: got %d, want 2", rec.RetryCount)
	}
	if rec.Error == "" {
		t.Error("failure must carry the error message")
	}

	// The failure is cached, but never as success.
	env, ok := o.CachedResult(res.CacheKey)
	if !ok {
		t.Fatal("error envelope should be cached")
	}
	if env.Status != "error" || env.Error == "" {
		t.Errorf("cached envelope: %+v", env)
	}

	resub, err := o.Submit(TaskChipSearch, TaskParams{})
	if err != nil {
		t.Fatal(err)
	}
	if resub.Status != "cached" {
		t.Errorf("resubmission should see the cached error, got %s", resub.Status)
	}
}

func TestTaskValidationErrorFailsWithoutRetry(t *testing.T) {
	e := defaultTestEngine(t)
	// A minute of backoff would push any retry past the wait deadline, so
	// an accidental retry fails the test instead of hiding in it.
	o, _ := newTestOrchestrator(t, e, 3, time.Minute)

	res, err := o.Submit(TaskChipSearch, TaskParams{
		Page: model.PageSpec{SortBy: "evil_field"},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitTerminal(t, o, res.TaskID)
	if rec.State != model.TaskFailure {
		t.Fatalf("terminal state: %s", rec.State)
	}
	if rec.RetryCount != 0 {
		t.Errorf("validation error was retried %d times; want 0", rec.RetryCount)
	}
	env, ok := o.CachedResult(res.CacheKey)
	if !ok || env.Status != "error" {
		t.Errorf("cached envelope: %+v (ok=%v)", env, ok)
	}
}

func TestTaskRetrySucceedsAfterTransientFailure(t *testing.T) {
	e := defaultTestEngine(t)
	o, _ := newTestOrchestrator(t, e, 3, time.Second)

	// Stash the partition bytes and remove the files so the first attempt
	// fails; restoring them inside the backoff window lets the retry win.
	saved := map[string][]byte{}
	for _, p := range e.Catalog().Snapshot() {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			t.Fatal(err)
		}
		saved[p.Path] = data
		os.Remove(p.Path)
	}

	events, cancel := o.Broker().Subscribe(TopicAllTasks)
	defer cancel()

	res, err := o.Submit(TaskChipSearch, TaskParams{})
	if err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
waitRetry:
	for {
		select {
		case ev := <-events:
			if ev.TaskID == res.TaskID && ev.State == model.TaskRetry {
				break waitRetry
			}
		case <-timeout:
			t.Fatal("no retry transition observed")
		}
	}
	for path, data := range saved {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	rec := waitTerminal(t, o, res.TaskID)
	if rec.State != model.TaskSuccess {
		t.Fatalf("terminal state: %s (%s)", rec.State, rec.Error)
	}
	if rec.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", rec.RetryCount)
	}
	if rec.Result == nil {
		t.Error("successful retry must carry a result")
	}
}

func TestTaskCancellationReachesTerminalState(t *testing.T) {
	e := defaultTestEngine(t)
	// Long backoff gives cancellation a deterministic window between the
	// first failed attempt and the retry.
	o, _ := newTestOrchestrator(t, e, 3, 10*time.Second)
	for _, p := range e.Catalog().Snapshot() {
		os.Remove(p.Path)
	}

	res, err := o.Submit(TaskChipSearch, TaskParams{})
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the first retry transition, then cancel mid-backoff.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok := o.Status(res.TaskID)
		if ok && rec.RetryCount > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never entered retry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !o.Cancel(res.TaskID) {
		t.Fatal("cancel should find the running task")
	}

	rec := waitTerminal(t, o, res.TaskID)
	if rec.State != model.TaskFailure {
		t.Errorf("cancelled task must fail, got %s", rec.State)
	}
}

func TestTaskExportWritesArtifact(t *testing.T) {
	e := defaultTestEngine(t)
	o, exportDir := newTestOrchestrator(t, e, 1, time.Millisecond)

	res, err := o.Submit(TaskExportRecords, TaskParams{})
	if err != nil {
		t.Fatal(err)
	}
	rec := waitTerminal(t, o, res.TaskID)
	if rec.State != model.TaskSuccess {
		t.Fatalf("export task failed: %s", rec.Error)
	}

	result, ok := rec.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type: %T", rec.Result)
	}
	name, _ := result["file"].(string)
	if name == "" {
		t.Fatal("result must name the artifact")
	}
	if rows, _ := result["rows"].(int64); rows != 10 {
		t.Errorf("rows: got %v, want 10", result["rows"])
	}

	f, err := os.Open(filepath.Join(exportDir, name))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	defer f.Close()
	lines, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 11 {
		t.Errorf("artifact lines: got %d, want header + 10", len(lines))
	}
}

func TestTaskSubmitValidation(t *testing.T) {
	e := defaultTestEngine(t)
	o, _ := newTestOrchestrator(t, e, 1, time.Millisecond)

	if _, err := o.Submit("make_coffee", TaskParams{}); !IsValidation(err) {
		t.Errorf("unknown kind: got %v", err)
	}
	if _, err := o.Submit(TaskExportAggregated, TaskParams{}); !IsValidation(err) {
		t.Errorf("aggregated export without dimension: got %v", err)
	}
}

func TestCleanupExports(t *testing.T) {
	e := defaultTestEngine(t)
	o, exportDir := newTestOrchestrator(t, e, 1, time.Millisecond)

	oldFile := filepath.Join(exportDir, "contracts_old.csv")
	if err := os.WriteFile(oldFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatal(err)
	}
	freshFile := filepath.Join(exportDir, "contracts_new.csv")
	if err := os.WriteFile(freshFile, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := o.CleanupExports(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Error("fresh artifact must survive cleanup")
	}
}
