package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGetJob(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/videos/a.mp4", QualityTag: "fast"}); err != nil {
		t.Fatalf("RecordJobQueued: %v", err)
	}

	rec, err := s.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.Status != "queued" || rec.QualityTag != "fast" || rec.InputPath != "/videos/a.mp4" {
		t.Errorf("GetJob = %+v, unexpected fields", rec)
	}
}

func TestRecordJobStatusSetsCompletedAt(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/v.mp4", QualityTag: "medium"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobStatus("job1", "completed", ""); err != nil {
		t.Fatalf("RecordJobStatus: %v", err)
	}

	rec, err := s.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "completed" {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("expected CompletedAt to be set for a terminal status")
	}
}

func TestRecordJobStatusFailedKeepsErrorMessage(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/v.mp4", QualityTag: "fast"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobStatus("job1", "failed", "stage FEATURES failed"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ErrorMessage != "stage FEATURES failed" {
		t.Errorf("ErrorMessage = %q, want %q", rec.ErrorMessage, "stage FEATURES failed")
	}
}

func TestUpsertStageExecutionReplacesPriorRow(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/v.mp4", QualityTag: "fast"}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertStageExecution(StageExecutionRecord{JobID: "job1", Stage: "FEATURES", Status: "running", Progress: 0.2, Attempt: 1}); err != nil {
		t.Fatalf("UpsertStageExecution: %v", err)
	}
	if err := s.UpsertStageExecution(StageExecutionRecord{JobID: "job1", Stage: "FEATURES", Status: "completed", Progress: 1.0, Attempt: 1}); err != nil {
		t.Fatalf("UpsertStageExecution (replace): %v", err)
	}

	recs, err := s.StageExecutionsForJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1 (upsert should replace, not append)", len(recs))
	}
	if recs[0].Status != "completed" || recs[0].Progress != 1.0 {
		t.Errorf("recs[0] = %+v, want status=completed progress=1.0", recs[0])
	}
}

func TestStageExecutionsForJobOrderIndependentOfInsertion(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/v.mp4", QualityTag: "fast"}); err != nil {
		t.Fatal(err)
	}
	stages := []string{"VIDEO_ANALYZE", "EXTRACT_FRAMES", "FEATURES"}
	for _, st := range stages {
		if err := s.UpsertStageExecution(StageExecutionRecord{JobID: "job1", Stage: st, Status: "completed", Progress: 1, Attempt: 1}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.StageExecutionsForJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(stages) {
		t.Fatalf("len(recs) = %d, want %d", len(recs), len(stages))
	}
}

func TestDeleteJobRemovesStageExecutionsAndReconstruction(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/v.mp4", QualityTag: "fast"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertStageExecution(StageExecutionRecord{JobID: "job1", Stage: "FEATURES", Status: "completed", Attempt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordReconstruction(ReconstructionRecord{JobID: "job1", NumPoints: 1000, NumImages: 24, PointCloudPath: "/ws/job1/postprocessed.ply"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteJob("job1"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	if _, err := s.GetJob("job1"); err == nil {
		t.Error("expected GetJob to fail after DeleteJob")
	}
	recs, err := s.StageExecutionsForJob("job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no stage executions after delete, got %d", len(recs))
	}
	if _, err := s.GetReconstruction("job1"); err == nil {
		t.Error("expected GetReconstruction to fail after DeleteJob")
	}
}

func TestRecentJobsOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/a.mp4", QualityTag: "fast"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.RecordJobQueued(JobRecord{ID: "job2", InputPath: "/b.mp4", QualityTag: "fast"}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if recs[0].ID != "job2" {
		t.Errorf("recs[0].ID = %q, want job2 (most recently created first)", recs[0].ID)
	}
}

func TestRecordReconstructionAndGet(t *testing.T) {
	s := newTestStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job1", InputPath: "/v.mp4", QualityTag: "high"}); err != nil {
		t.Fatal(err)
	}
	rec := ReconstructionRecord{JobID: "job1", NumPoints: 54321, NumImages: 80, PointCloudPath: "/ws/job1/postprocessed.ply"}
	if err := s.RecordReconstruction(rec); err != nil {
		t.Fatalf("RecordReconstruction: %v", err)
	}

	got, err := s.GetReconstruction("job1")
	if err != nil {
		t.Fatalf("GetReconstruction: %v", err)
	}
	if got != rec {
		t.Errorf("GetReconstruction = %+v, want %+v", got, rec)
	}
}
