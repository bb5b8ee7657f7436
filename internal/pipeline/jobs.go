package pipeline

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/dgallion1/mailgest/internal/artifact"
)

// JobStatus represents the state of a message-processing job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusExtracting JobStatus = "extracting"
	StatusConverting JobStatus = "converting"
	StatusWriting    JobStatus = "writing"
	StatusCompleted  JobStatus = "completed"
	StatusPartial    JobStatus = "partial"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Report aggregates per-attachment outcomes for one message.
type Report struct {
	MessageDir  string                    `json:"message_dir,omitempty"`
	Attachments int                       `json:"attachments"`
	Images      int                       `json:"images"`
	Converted   int                       `json:"converted"`
	Preserved   int                       `json:"preserved"`
	Failed      int                       `json:"failed"`
	Items       []artifact.ArtifactStatus `json:"items"`
	Errors      []string                  `json:"errors"`
}

// Job tracks the processing of a single raw message.
type Job struct {
	mu sync.Mutex

	ID       string    `json:"job_id"`
	Filename string    `json:"filename"`
	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`

	Report Report `json:"report"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Internal: not serialized.
	raw []byte
}

// SetRawMessage sets the raw message bytes for processing.
func (j *Job) SetRawMessage(data []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.raw = data
}

// RawMessage returns the raw message bytes.
func (j *Job) RawMessage() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.raw
}

// LastUpdated returns the update timestamp under the job lock. Cleanup
// reads it while workers are still mutating the job.
func (j *Job) LastUpdated() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.UpdatedAt
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
}

// AddError records a job-level error.
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Report.Errors = append(j.Report.Errors, err)
	j.UpdatedAt = time.Now()
}

// AddItem records one per-attachment outcome and updates the counters.
func (j *Job) AddItem(item artifact.ArtifactStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Report.Items = append(j.Report.Items, item)
	switch item.Status {
	case "converted":
		j.Report.Converted++
	case "preserved":
		j.Report.Preserved++
	case "failed":
		j.Report.Failed++
	}
	j.UpdatedAt = time.Now()
}

// SetCounts records extraction totals.
func (j *Job) SetCounts(attachments, images int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Report.Attachments = attachments
	j.Report.Images = images
	j.UpdatedAt = time.Now()
}

// SetMessageDir records where this message's artifacts were written.
func (j *Job) SetMessageDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Report.MessageDir = dir
	j.UpdatedAt = time.Now()
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID       string    `json:"job_id"`
	Filename string    `json:"filename"`
	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Report   Report    `json:"report"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	report := j.Report
	report.Items = append([]artifact.ArtifactStatus(nil), j.Report.Items...)
	if report.Errors == nil {
		report.Errors = []string{}
	} else {
		report.Errors = append([]string(nil), j.Report.Errors...)
	}
	return JobSnapshot{
		ID:       j.ID,
		Filename: j.Filename,
		Status:   j.Status,
		Phase:    j.Phase,
		Report:   report,
	}
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cleanup removes expired jobs.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		if now.Sub(job.LastUpdated()) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

// ContentHashHex computes SHA-256 of content and returns a hex string.
func ContentHashHex(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:])
}
