package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/dgallion1/mailgest/internal/artifact"
	"github.com/dgallion1/mailgest/internal/convert"
	"github.com/dgallion1/mailgest/internal/security"
)

func testWorker(registry *convert.Registry) (*Worker, afero.Afero) {
	fs := afero.NewMemMapFs()
	store := artifact.NewStore(fs, "/out")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := security.DefaultPolicy(1 << 20)
	cfg := convert.Config{Policy: policy}
	return NewWorker(registry, store, log, policy, cfg, 2), afero.Afero{Fs: fs}
}

func testJob(raw []byte) *Job {
	now := time.Now()
	job := &Job{
		ID:        "job-1",
		Status:    StatusQueued,
		Filename:  "msg.eml",
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.SetRawMessage(raw)
	return job
}

func rawWithAttachments(parts ...[]string) []byte {
	lines := []string{
		"From: sender@example.com",
		"Subject: artifacts",
		"Content-Type: multipart/mixed; boundary=B",
		"",
		"--B",
		"Content-Type: text/plain",
		"",
		"please process the attached files",
	}
	for _, p := range parts {
		lines = append(lines, "--B")
		lines = append(lines, p...)
	}
	lines = append(lines, "--B--", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func csvPart(name, rows string) []string {
	return []string{
		"Content-Type: text/csv",
		"Content-Disposition: attachment; filename=\"" + name + "\"",
		"",
		rows,
	}
}

func TestWorker_ProcessCompletes(t *testing.T) {
	w, fs := testWorker(convert.NewRegistry(&convert.SpreadsheetConverter{}))
	job := testJob(rawWithAttachments(
		csvPart("a.csv", "x,y\r\n1,2"),
		csvPart("b.csv", "p,q\r\n3,4"),
	))

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", snap.Status, snap.Report.Errors)
	}
	if snap.Report.Attachments != 2 || snap.Report.Converted != 2 || snap.Report.Preserved != 2 {
		t.Errorf("unexpected report %+v", snap.Report)
	}

	dir := snap.Report.MessageDir
	if dir == "" {
		t.Fatal("message dir not recorded")
	}
	for _, p := range []string{dir + "/body.txt", dir + "/attachments/a.csv", dir + "/attachments/b.csv", dir + "/message.json"} {
		if ok, _ := fs.Exists(p); !ok {
			t.Errorf("missing %s", p)
		}
	}
	body, _ := fs.ReadFile(dir + "/body.txt")
	if !strings.Contains(string(body), "[attachment: a.csv]") {
		t.Errorf("marker missing from body: %q", body)
	}
}

func TestWorker_OneBadAttachmentDoesNotBlockOthers(t *testing.T) {
	w, fs := testWorker(convert.NewRegistry(&convert.SpreadsheetConverter{}))
	job := testJob(rawWithAttachments(
		csvPart("a.csv", "x,y\r\n1,2"),
		[]string{
			"Content-Type: application/octet-stream",
			"Content-Disposition: attachment; filename=\"firmware.bin\"",
			"",
			"binary junk",
		},
		csvPart("c.csv", "m,n\r\n5,6"),
	))

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", snap.Status)
	}
	if snap.Report.Converted != 2 {
		t.Errorf("the two good attachments must convert, got %d", snap.Report.Converted)
	}
	if snap.Report.Failed != 1 {
		t.Errorf("expected exactly one failure, got %d", snap.Report.Failed)
	}

	var failedItem *artifact.ArtifactStatus
	for i := range snap.Report.Items {
		if snap.Report.Items[i].Status == "failed" {
			failedItem = &snap.Report.Items[i]
		}
	}
	if failedItem == nil || failedItem.Name != "firmware.bin" {
		t.Fatalf("expected firmware.bin failure item, got %+v", failedItem)
	}
	if !strings.Contains(failedItem.Reason, "validation") {
		t.Errorf("expected a classified reason, got %q", failedItem.Reason)
	}

	// The bad attachment is still preserved for manual handling.
	dir := snap.Report.MessageDir
	if ok, _ := fs.Exists(dir + "/attachments/firmware.bin"); !ok {
		t.Error("failed attachment should still be preserved")
	}
}

func TestWorker_MalformedMessageFailsJob(t *testing.T) {
	w, _ := testWorker(convert.NewRegistry())
	job := testJob([]byte("complete garbage, not a message"))

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if len(snap.Report.Errors) == 0 {
		t.Error("expected a recorded error")
	}
}

func TestWorker_NoAttachmentsCompletes(t *testing.T) {
	w, fs := testWorker(convert.NewRegistry())
	raw := []byte("From: a@b.example\r\nContent-Type: text/plain\r\n\r\njust text\r\n")
	job := testJob(raw)

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	body, _ := fs.ReadFile(snap.Report.MessageDir + "/body.txt")
	if !strings.Contains(string(body), "just text") {
		t.Errorf("body missing: %q", body)
	}
}

func TestWorker_UnsupportedFormatClassified(t *testing.T) {
	// Registry with no converters: everything allowed by policy still has
	// no converter and is reported as unsupported, not as a crash.
	w, _ := testWorker(convert.NewRegistry())
	job := testJob(rawWithAttachments(csvPart("a.csv", "x\r\n1")))

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", snap.Status)
	}
	var reason string
	for _, item := range snap.Report.Items {
		if item.Status == "failed" {
			reason = item.Reason
		}
	}
	if !strings.Contains(reason, "unsupported_format") {
		t.Errorf("expected unsupported_format classification, got %q", reason)
	}
}

func TestWorker_MetadataListsEveryArtifact(t *testing.T) {
	w, fs := testWorker(convert.NewRegistry(&convert.SpreadsheetConverter{}))
	job := testJob(rawWithAttachments(
		csvPart("a.csv", "x\r\n1"),
		[]string{
			"Content-Type: application/octet-stream",
			"Content-Disposition: attachment; filename=\"junk.bin\"",
			"",
			"junk",
		},
	))

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	data, err := fs.ReadFile(snap.Report.MessageDir + "/message.json")
	if err != nil {
		t.Fatalf("metadata not written: %v", err)
	}
	text := string(data)
	for _, want := range []string{"a.csv", "junk.bin", "\"preserved\"", "\"converted\"", "\"failed\""} {
		if !strings.Contains(text, want) {
			t.Errorf("metadata missing %q", want)
		}
	}
}

func TestWorker_OversizeOriginalNotPreserved(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := artifact.NewStore(fs, "/out")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := security.DefaultPolicy(32)
	cfg := convert.Config{Policy: policy}
	w := NewWorker(convert.NewRegistry(&convert.SpreadsheetConverter{}), store, log, policy, cfg, 2)

	big := strings.Repeat("a,b\r\n", 20)
	job := testJob(rawWithAttachments(
		csvPart("big.csv", big),
		csvPart("small.csv", "x,y\r\n1,2"),
	))

	w.Process(context.Background(), job)

	snap := job.Snapshot()
	found := false
	for _, item := range snap.Report.Items {
		if item.Name == "big.csv" && item.Status == "failed" && strings.Contains(item.Reason, "file_size") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a file_size failure for big.csv, got %+v", snap.Report.Items)
	}

	a := afero.Afero{Fs: fs}
	if ok, _ := a.Exists(snap.Report.MessageDir + "/attachments/big.csv"); ok {
		t.Error("oversize original must not be written")
	}
	if ok, _ := a.Exists(snap.Report.MessageDir + "/attachments/small.csv"); !ok {
		t.Error("in-limit original should be preserved")
	}
}
