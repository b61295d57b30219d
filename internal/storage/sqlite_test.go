package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_chunk_diffs_source_version",
		"idx_jobs_status_run_after",
		"idx_jobs_idempotency_active",
		"idx_links_chunk",
		"idx_health_snapshots_pack",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond)
	c := a.Add(10 * time.Hour)
	if !(formatTime(a) < formatTime(b) && formatTime(b) < formatTime(c)) {
		t.Errorf("formatted times do not sort: %s %s %s", formatTime(a), formatTime(b), formatTime(c))
	}
	got, err := parseTime(formatTime(b))
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !got.Equal(b) {
		t.Errorf("round trip = %v, want %v", got, b)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateProject(ctx, Project{ID: "p1", WorkspaceID: "w1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}
	if _, err := s.GetProject(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProject after rollback = %v, want ErrNotFound", err)
	}
}

func TestWithTx_Commits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateProject(ctx, Project{ID: "p1", WorkspaceID: "w1", Name: "alpha"})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	p, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.Name != "alpha" {
		t.Errorf("Name = %q, want alpha", p.Name)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if v, _ := DecodeVector(nil); v != nil {
		t.Errorf("DecodeVector(nil) = %v, want nil", v)
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for misaligned blob")
	}
}

// --- Jobs ---

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "health.recompute", PayloadJSON: `{"pack_id":"p"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j, err := s.ClaimNextJob(ctx, []string{"health.recompute"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j == nil || j.ID != "j1" {
		t.Fatalf("claimed %+v, want j1", j)
	}
	if j.Status != "running" {
		t.Errorf("Status = %q, want running", j.Status)
	}
	again, err := s.ClaimNextJob(ctx, []string{"health.recompute"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestEnqueueJob_IdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.EnqueueJob(ctx, Job{ID: "j1", Type: "t", IdempotencyKey: "k"})
	if err != nil || !created {
		t.Fatalf("first EnqueueJob = %v, created=%v", err, created)
	}
	second, created, err := s.EnqueueJob(ctx, Job{ID: "j2", Type: "t", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("second EnqueueJob: %v", err)
	}
	if created {
		t.Error("duplicate key created a second job")
	}
	if second.ID != first.ID {
		t.Errorf("returned job %s, want existing %s", second.ID, first.ID)
	}

	// Once the first job finishes, the key is free again.
	if err := s.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if _, created, err := s.EnqueueJob(ctx, Job{ID: "j3", Type: "t", IdempotencyKey: "k"}); err != nil || !created {
		t.Errorf("EnqueueJob after completion = %v, created=%v", err, created)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "later", Type: "t", RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j, err := s.ClaimNextJob(ctx, []string{"t"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed future job %s", j.ID)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "a", Type: "alpha"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j, err := s.ClaimNextJob(ctx, []string{"beta"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed job of wrong type: %+v", j)
	}
}

func TestFailJob_BackoffThenFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "j", Type: "t", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	before := time.Now()
	if err := s.FailJob(ctx, "j", "first", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob(ctx, "j")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != "pending" || j.Attempts != 1 {
		t.Errorf("after first failure status=%s attempts=%d", j.Status, j.Attempts)
	}
	if !j.RunAfter.After(before.Add(time.Second)) {
		t.Errorf("run_after %v not pushed back", j.RunAfter)
	}

	if err := s.FailJob(ctx, "j", "second", false); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, _ = s.GetJob(ctx, "j")
	if j.Status != "failed" || j.LastError != "second" {
		t.Errorf("after max attempts status=%s last_error=%q", j.Status, j.LastError)
	}
}

func TestFailJob_Permanent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "j", Type: "t", MaxAttempts: 3}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.FailJob(ctx, "j", "bad payload", true); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, _ := s.GetJob(ctx, "j")
	if j.Status != "failed" {
		t.Errorf("Status = %s, want failed", j.Status)
	}
}

func TestFailJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.FailJob(context.Background(), "missing", "x", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestSkipJob_RecordsReason(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "j", Type: "t"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if err := s.SkipJob(ctx, "j", "already processed"); err != nil {
		t.Fatalf("SkipJob: %v", err)
	}
	j, _ := s.GetJob(ctx, "j")
	if j.Status != "skipped" || j.LastError != "already processed" {
		t.Errorf("got status=%s reason=%q", j.Status, j.LastError)
	}
}

func TestRequeueStuckAndRetention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.EnqueueJob(ctx, Job{ID: "run", Type: "t", RunAfter: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, _, err := s.EnqueueJob(ctx, Job{ID: "done", Type: "t"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if j, err := s.ClaimNextJob(ctx, []string{"t"}); err != nil || j == nil || j.ID != "run" {
		t.Fatalf("ClaimNextJob = %+v, %v", j, err)
	}
	if err := s.CompleteJob(ctx, "done"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	future := time.Now().Add(time.Minute)
	n, err := s.RequeueStuckJobs(ctx, future)
	if err != nil {
		t.Fatalf("RequeueStuckJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d jobs, want 1", n)
	}
	n, err = s.DeleteFinishedJobsBefore(ctx, future)
	if err != nil {
		t.Fatalf("DeleteFinishedJobsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}
	counts, err := s.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts["pending"] != 1 || counts["completed"] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

// --- Cache entries ---

func TestCacheIncr_WindowResets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		n, err := s.CacheIncr(ctx, "k", time.Hour, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("CacheIncr: %v", err)
		}
		if n != i {
			t.Errorf("CacheIncr #%d = %d", i, n)
		}
	}
	n, err := s.CacheIncr(ctx, "k", time.Hour, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("CacheIncr: %v", err)
	}
	if n != 1 {
		t.Errorf("after expiry CacheIncr = %d, want 1", n)
	}
}

func TestCacheTryLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.CacheTryLock(ctx, "lock", time.Minute, t0)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	ok, err = s.CacheTryLock(ctx, "lock", time.Minute, t0.Add(30*time.Second))
	if err != nil || ok {
		t.Fatalf("held TryLock = %v, %v", ok, err)
	}
	ttl, err := s.CacheTTL(ctx, "lock", t0.Add(30*time.Second))
	if err != nil {
		t.Fatalf("CacheTTL: %v", err)
	}
	if ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}
	ok, err = s.CacheTryLock(ctx, "lock", time.Minute, t0.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("expired TryLock = %v, %v", ok, err)
	}
}
