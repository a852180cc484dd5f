package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskguard/internal/store"
	logx "taskguard/pkg/logx"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "taskguard.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testTask(id string, nextRunAt *string) store.Task {
	return store.Task{
		ID:         id,
		Name:       id,
		Tool:       "exec",
		Params:     map[string]any{"command": "echo hi", "timeout": 300},
		Schedule:   "every:60",
		Expected:   "ok",
		Verify:     "file_exists",
		OutputPath: "runs/" + id + ".out.txt",
		Enabled:    true,
		NextRunAt:  nextRunAt,
	}
}

func ts(offset time.Duration) string {
	return store.FormatTime(time.Now().Add(offset))
}

func TestUpsertTaskPreservesCreatedAt(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTask(ctx, testTask("t1", nil)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	upd := testTask("t1", nil)
	upd.Name = "renamed"
	if err := st.UpsertTask(ctx, upd); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	second, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}

	if second.Name != "renamed" {
		t.Errorf("name = %q, want renamed", second.Name)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("created_at changed on upsert: %q -> %q", first.CreatedAt, second.CreatedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	_, err := st.GetTask(context.Background(), "nope")
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestDueTasksSelection(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	past := ts(-time.Hour)
	future := ts(time.Hour)

	for _, tk := range []store.Task{
		testTask("never-ran", nil),       // due: no next_run_at yet
		testTask("overdue", &past),       // due: next_run_at passed
		testTask("not-yet", &future),     // not due
		testTask("disabled", &past),      // not due: disabled
	} {
		if tk.ID == "disabled" {
			tk.Enabled = false
		}
		if err := st.UpsertTask(ctx, tk); err != nil {
			t.Fatalf("upsert %s: %v", tk.ID, err)
		}
	}

	due, err := st.DueTasks(ctx, store.UTCNow(), 10)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	got := taskIDs(due)
	want := map[string]bool{"never-ran": true, "overdue": true}
	if len(got) != len(want) {
		t.Fatalf("due = %v, want exactly %v", got, want)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected due task %s", id)
		}
	}
	// The overdue task's next_run_at (an hour ago) precedes the never-ran
	// task's created_at (now), so it sorts first.
	if got[0] != "overdue" {
		t.Errorf("order = %v, want overdue first", got)
	}

	limited, err := st.DueTasks(ctx, store.UTCNow(), 1)
	if err != nil {
		t.Fatalf("due tasks limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: got %d tasks", len(limited))
	}
}

func TestSetNextRunClears(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	future := ts(time.Hour)
	if err := st.UpsertTask(ctx, testTask("t1", &future)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.SetNextRun(ctx, "t1", nil); err != nil {
		t.Fatalf("set next run: %v", err)
	}
	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRunAt != nil {
		t.Errorf("next_run_at = %v, want nil", *got.NextRunAt)
	}
}

func TestFinishRunMergesMeta(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTask(ctx, testTask("t1", nil)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.CreateRun(ctx, "r1", "t1", store.UTCNow(), "/tmp/out.txt",
		map[string]any{"tool": "exec", "keep": "original"}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := st.FinishRun(ctx, "r1", store.RunSuccess, "SUCCESS | Exit code: 0", store.UTCNow(),
		map[string]any{"ok": true, "keep": "overwritten"}); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	r, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if r.Status != store.RunSuccess {
		t.Errorf("status = %q, want success", r.Status)
	}
	if r.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if r.Meta["tool"] != "exec" {
		t.Errorf("meta[tool] = %v, original key lost in merge", r.Meta["tool"])
	}
	if r.Meta["keep"] != "overwritten" {
		t.Errorf("meta[keep] = %v, update did not win", r.Meta["keep"])
	}
	if r.Meta["ok"] != true {
		t.Errorf("meta[ok] = %v, want true", r.Meta["ok"])
	}
}

func TestRunsInWindow(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTask(ctx, testTask("t1", nil)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.CreateRun(ctx, "old", "t1", ts(-2*time.Hour), "", nil); err != nil {
		t.Fatalf("create old run: %v", err)
	}
	if err := st.CreateRun(ctx, "new", "t1", ts(-time.Minute), "", nil); err != nil {
		t.Fatalf("create new run: %v", err)
	}

	runs, err := st.RunsInWindow(ctx, ts(-time.Hour))
	if err != nil {
		t.Fatalf("runs in window: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "new" {
		t.Fatalf("runs = %v, want just the new run", runIDs(runs))
	}
}

func TestMarkerMembershipIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTask(ctx, testTask("t1", nil)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.CreateMarker(ctx, "m"); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := st.AddTaskToMarker(ctx, "m", "t1"); err != nil {
			t.Fatalf("add task (attempt %d): %v", i+1, err)
		}
	}

	ids, err := st.MarkerTaskIDs(ctx, "m")
	if err != nil {
		t.Fatalf("marker task ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("members = %v, want [t1]", ids)
	}

	if err := st.RemoveTaskFromMarker(ctx, "m", "t1"); err != nil {
		t.Fatalf("remove task: %v", err)
	}
	ids, err = st.MarkerTaskIDs(ctx, "m")
	if err != nil {
		t.Fatalf("marker task ids after remove: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("members = %v, want empty", ids)
	}
}

func TestCreateMarkerDuplicateName(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateMarker(ctx, "m"); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	if _, err := st.CreateMarker(ctx, "m"); err == nil {
		t.Fatal("duplicate marker name accepted")
	}
}

func TestMarkerStatusWatermark(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTask(ctx, testTask("t1", nil)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A success recorded before the marker existed must not count.
	if err := st.CreateRun(ctx, "stale", "t1", ts(-time.Hour), "", nil); err != nil {
		t.Fatalf("create stale run: %v", err)
	}
	if err := st.FinishRun(ctx, "stale", store.RunSuccess, "ok", ts(-time.Hour), nil); err != nil {
		t.Fatalf("finish stale run: %v", err)
	}

	if _, err := st.CreateMarker(ctx, "m"); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	if err := st.AddTaskToMarker(ctx, "m", "t1"); err != nil {
		t.Fatalf("add task: %v", err)
	}

	h, err := st.MarkerStatus(ctx, "m")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if h.Green {
		t.Error("green with only pre-marker evidence")
	}
	if len(h.Tasks) != 1 || h.Tasks[0].State != store.StateMissing {
		t.Fatalf("member states = %+v, want one missing", h.Tasks)
	}

	// A fresh failure keeps the marker red and surfaces the run state.
	if err := st.CreateRun(ctx, "r-fail", "t1", ts(time.Second), "", nil); err != nil {
		t.Fatalf("create fail run: %v", err)
	}
	if err := st.FinishRun(ctx, "r-fail", store.RunFail, "FAIL", ts(2*time.Second), nil); err != nil {
		t.Fatalf("finish fail run: %v", err)
	}
	h, err = st.MarkerStatus(ctx, "m")
	if err != nil {
		t.Fatalf("status after fail: %v", err)
	}
	if h.Green {
		t.Error("green with a failing member")
	}
	if h.Tasks[0].State != store.RunFail {
		t.Errorf("member state = %q, want fail", h.Tasks[0].State)
	}

	// A newer success turns it green.
	if err := st.CreateRun(ctx, "r-ok", "t1", ts(3*time.Second), "", nil); err != nil {
		t.Fatalf("create ok run: %v", err)
	}
	if err := st.FinishRun(ctx, "r-ok", store.RunSuccess, "SUCCESS", ts(4*time.Second), nil); err != nil {
		t.Fatalf("finish ok run: %v", err)
	}
	h, err = st.MarkerStatus(ctx, "m")
	if err != nil {
		t.Fatalf("status after success: %v", err)
	}
	if !h.Green {
		t.Error("not green after fresh success")
	}
	if h.Tasks[0].Latest == nil || h.Tasks[0].Latest.Message != "SUCCESS" {
		t.Errorf("latest = %+v, want the newest run", h.Tasks[0].Latest)
	}
}

func TestMarkerStatusEmptyNeverGreen(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateMarker(ctx, "empty"); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	h, err := st.MarkerStatus(ctx, "empty")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if h.Green {
		t.Error("empty marker reported green")
	}
}

func TestDueTasksForMarkerMissingOrClosed(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertTask(ctx, testTask("t1", nil)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.CreateMarker(ctx, "m"); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	if err := st.AddTaskToMarker(ctx, "m", "t1"); err != nil {
		t.Fatalf("add task: %v", err)
	}

	due, err := st.DueTasksForMarker(ctx, "m", store.UTCNow(), 10)
	if err != nil {
		t.Fatalf("due for marker: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %v, want [t1]", taskIDs(due))
	}

	// Unknown and closed markers both yield an empty batch, not an error.
	due, err = st.DueTasksForMarker(ctx, "ghost", store.UTCNow(), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("ghost marker: due=%v err=%v, want empty/nil", taskIDs(due), err)
	}
	if err := st.CloseMarker(ctx, "m"); err != nil {
		t.Fatalf("close marker: %v", err)
	}
	due, err = st.DueTasksForMarker(ctx, "m", store.UTCNow(), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("closed marker: due=%v err=%v, want empty/nil", taskIDs(due), err)
	}
}

func TestTimeLayoutLexicographicOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	prev := store.FormatTime(base)
	for _, d := range []time.Duration{
		time.Microsecond, time.Millisecond, time.Second, time.Minute, 25 * time.Hour, 40 * 24 * time.Hour,
	} {
		cur := store.FormatTime(base.Add(d))
		if !(prev < cur) {
			t.Errorf("FormatTime not monotonic lexicographically: %q !< %q", prev, cur)
		}
		prev = cur
	}
}

func taskIDs(tasks []store.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func runIDs(runs []store.Run) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.RunID)
	}
	return out
}
