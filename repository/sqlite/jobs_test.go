package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
)

func newTestRepo(t *testing.T) *JobRepository {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "jobs.db"), DefaultDBConfig())
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewJobRepository(db, DefaultDBConfig())
}

func TestJobRepository_SaveAndFind(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	h := models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindConversion}

	if _, err := repo.Find(ctx, h); !errors.IsNotFound(err) {
		t.Fatalf("Find before save: err = %v, want not found", err)
	}

	rec := &models.JobRecord{Handle: h, Status: models.InProgress("Still converting...")}
	rec.Status.Attempts = 2
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.Find(ctx, h)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Status.State != models.StateInProgress || got.Status.Attempts != 2 {
		t.Errorf("got %+v", got.Status)
	}
	if got.Status.Message != "Still converting..." {
		t.Errorf("message = %q", got.Status.Message)
	}

	if err := repo.Save(ctx, &models.JobRecord{Handle: h, Status: models.Completed("https://cdn/out.mp4")}); err != nil {
		t.Fatalf("Save completed: %v", err)
	}
	got, err = repo.Find(ctx, h)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.Status.IsCompleted() || got.Status.ArtifactRef != "https://cdn/out.mp4" {
		t.Errorf("got %+v, want completed", got.Status)
	}
}

func TestJobRepository_CompletedArtifactIsImmutable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	h := models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindConversion}

	if err := repo.Save(ctx, &models.JobRecord{Handle: h, Status: models.Completed("https://cdn/first.mp4")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	later := []models.JobStatus{
		models.Failed("worker crashed"),
		{State: models.StateNotStarted},
		models.Completed("https://cdn/second.mp4"),
	}
	for _, st := range later {
		if err := repo.Save(ctx, &models.JobRecord{Handle: h, Status: st}); err != nil {
			t.Fatalf("Save %s: %v", st.State, err)
		}
	}

	got, err := repo.Find(ctx, h)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.Status.IsCompleted() || got.Status.ArtifactRef != "https://cdn/first.mp4" {
		t.Errorf("completed record changed: %+v", got.Status)
	}
	if got.Status.LastError != "" {
		t.Errorf("last error = %q, want none", got.Status.LastError)
	}
}

func TestJobRepository_CompletedIsSticky(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	h := models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindTranscription}

	if err := repo.Save(ctx, &models.JobRecord{Handle: h, Status: models.Completed("abc.mp4.transcription")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, &models.JobRecord{Handle: h, Status: models.InProgress("")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.Find(ctx, h)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Status.ArtifactRef != "abc.mp4.transcription" || !got.Status.IsCompleted() {
		t.Errorf("completed record was overwritten: %+v", got.Status)
	}
}

func TestJobRepository_KindsAreSeparate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	conv := models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindConversion}
	tr := models.JobHandle{ContentKey: "abc.mp4", Kind: models.KindTranscription}

	if err := repo.Save(ctx, &models.JobRecord{Handle: conv, Status: models.Completed("out.mp4")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := repo.Find(ctx, tr); !errors.IsNotFound(err) {
		t.Errorf("transcription handle should be missing, err = %v", err)
	}
}

func TestJobRepository_ListByState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, key := range []string{"a.mp4", "b.mp4"} {
		h := models.JobHandle{ContentKey: key, Kind: models.KindConversion}
		if err := repo.Save(ctx, &models.JobRecord{Handle: h, Status: models.InProgress("")}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	done := models.JobHandle{ContentKey: "c.mp4", Kind: models.KindConversion}
	if err := repo.Save(ctx, &models.JobRecord{Handle: done, Status: models.Completed("c-out.mp4")}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := repo.ListByState(ctx, models.StateInProgress, 10)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Handle.Kind != models.KindConversion || rec.Status.State != models.StateInProgress {
			t.Errorf("unexpected record %+v", rec)
		}
	}
}

func TestJobRepository_SaveRejectsInvalidHandle(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Save(context.Background(), &models.JobRecord{Handle: models.JobHandle{Kind: models.KindConversion}})
	if err == nil {
		t.Fatal("expected error for empty content key")
	}
}
