package pipeline

import (
	"testing"
	"time"

	"github.com/dgallion1/mailgest/internal/artifact"
)

func TestJob_StateTransitions(t *testing.T) {
	job := &Job{
		ID:        "test-1",
		Status:    StatusQueued,
		Phase:     "queued",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	transitions := []struct {
		status JobStatus
		phase  string
	}{
		{StatusExtracting, "extracting"},
		{StatusWriting, "preserving"},
		{StatusConverting, "converting"},
		{StatusCompleted, "done"},
	}
	for _, tr := range transitions {
		job.SetStatus(tr.status, tr.phase)
		snap := job.Snapshot()
		if snap.Status != tr.status {
			t.Errorf("expected status %q, got %q", tr.status, snap.Status)
		}
		if snap.Phase != tr.phase {
			t.Errorf("expected phase %q, got %q", tr.phase, snap.Phase)
		}
	}
}

func TestJob_AddItemUpdatesCounters(t *testing.T) {
	job := &Job{ID: "counters", UpdatedAt: time.Now()}
	job.AddItem(artifact.ArtifactStatus{Name: "a.pdf", Status: "preserved"})
	job.AddItem(artifact.ArtifactStatus{Name: "a.pdf", Status: "converted", Converter: "ocr-document"})
	job.AddItem(artifact.ArtifactStatus{Name: "b.bin", Status: "failed", Reason: "unsupported"})

	snap := job.Snapshot()
	if snap.Report.Preserved != 1 || snap.Report.Converted != 1 || snap.Report.Failed != 1 {
		t.Errorf("counters wrong: %+v", snap.Report)
	}
	if len(snap.Report.Items) != 3 {
		t.Errorf("expected 3 items, got %d", len(snap.Report.Items))
	}
}

func TestJob_AddError(t *testing.T) {
	job := &Job{ID: "err-test", UpdatedAt: time.Now()}
	job.AddError("attachment 2 failed")
	job.AddError("attachment 5 failed")

	snap := job.Snapshot()
	if len(snap.Report.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(snap.Report.Errors))
	}
	if snap.Report.Errors[0] != "attachment 2 failed" {
		t.Errorf("unexpected first error %q", snap.Report.Errors[0])
	}
}

func TestJob_SnapshotIsDetached(t *testing.T) {
	job := &Job{ID: "detach", UpdatedAt: time.Now()}
	job.AddItem(artifact.ArtifactStatus{Name: "x", Status: "preserved"})

	snap := job.Snapshot()
	job.AddItem(artifact.ArtifactStatus{Name: "y", Status: "failed"})
	if len(snap.Report.Items) != 1 {
		t.Errorf("snapshot must not see later mutations, got %d items", len(snap.Report.Items))
	}
	if snap.Report.Errors == nil {
		t.Error("snapshot errors slice should be non-nil")
	}
}

func TestJob_RawMessage(t *testing.T) {
	job := &Job{ID: "raw"}
	data := []byte("From: a@b\r\n\r\nhi")
	job.SetRawMessage(data)
	if string(job.RawMessage()) != string(data) {
		t.Errorf("raw message mismatch")
	}
}

func TestJobStore_PutGet(t *testing.T) {
	store := NewJobStore(time.Hour)
	job := &Job{ID: "store-1", UpdatedAt: time.Now()}
	store.Put(job)

	if got := store.Get("store-1"); got == nil || got.ID != "store-1" {
		t.Fatalf("expected to get job back, got %+v", got)
	}
	if store.Get("missing") != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestJobStore_Cleanup(t *testing.T) {
	store := NewJobStore(50 * time.Millisecond)

	expired := &Job{ID: "old", UpdatedAt: time.Now()}
	store.Put(expired)

	time.Sleep(100 * time.Millisecond)

	fresh := &Job{ID: "new", UpdatedAt: time.Now()}
	store.Put(fresh)

	store.Cleanup()

	if store.Get("old") != nil {
		t.Error("expected expired job to be cleaned up")
	}
	if store.Get("new") == nil {
		t.Error("expected fresh job to survive cleanup")
	}
}

func TestJobStore_CleanupWhileJobUpdates(t *testing.T) {
	store := NewJobStore(time.Hour)
	job := &Job{ID: "busy", UpdatedAt: time.Now()}
	store.Put(job)

	// Worker-side mutation and store-side eviction must not race on
	// UpdatedAt. The race detector catches a regression here.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			job.SetStatus(StatusConverting, "converting")
		}
	}()
	for range 200 {
		store.Cleanup()
	}
	<-done

	if store.Get("busy") == nil {
		t.Error("active job should survive cleanup")
	}
}

func TestGenerateULID(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := generateULID()
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
		}
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z') || r == 'I' || r == 'L' || r == 'O' || r == 'U' {
				t.Fatalf("invalid crockford character %q in %q", r, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate ulid %q", id)
		}
		seen[id] = true
		if id <= prev {
			t.Fatalf("ulids not monotonic: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestContentHashHex(t *testing.T) {
	a := ContentHashHex([]byte("hello"))
	b := ContentHashHex([]byte("hello"))
	c := ContentHashHex([]byte("world"))
	if a != b {
		t.Error("hash should be deterministic")
	}
	if a == c {
		t.Error("different content should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
