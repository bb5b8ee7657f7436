package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgallion1/mailgest/internal/artifact"
	"github.com/dgallion1/mailgest/internal/convert"
	"github.com/dgallion1/mailgest/internal/extractor"
	"github.com/dgallion1/mailgest/internal/mailtree"
	"github.com/dgallion1/mailgest/internal/resilience"
	"github.com/dgallion1/mailgest/internal/security"
)

// Worker processes a single message job end to end: extract, preserve,
// convert, write the metadata document.
type Worker struct {
	registry *convert.Registry
	store    *artifact.Store
	log      *slog.Logger
	policy   security.Policy
	convCfg  convert.Config

	maxConcurrentConvert int
}

func NewWorker(registry *convert.Registry, store *artifact.Store, log *slog.Logger, policy security.Policy, convCfg convert.Config, maxConvert int) *Worker {
	if maxConvert <= 0 {
		maxConvert = 4
	}
	return &Worker{
		registry:             registry,
		store:                store,
		log:                  log,
		policy:               policy,
		convCfg:              convCfg,
		maxConcurrentConvert: maxConvert,
	}
}

// Process runs the full pipeline for a job. Attachment-level failures
// never abort the message; a malformed message aborts only this job.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "filename", job.Filename)

	job.SetStatus(StatusExtracting, "extracting")
	res, err := extractor.Extract(job.RawMessage())
	if err != nil {
		log.Error("extraction failed", "error", err)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, "extracting")
		return
	}
	job.SetCounts(len(res.Attachments), len(res.Images))
	if res.Degraded {
		log.Warn("message structure degraded to unstructured part")
	}

	writer := w.store.Message(generateULID())
	job.SetMessageDir(writer.Dir())

	job.SetStatus(StatusWriting, "preserving")
	if err := writer.WriteBody(res.BodyText); err != nil {
		log.Error("body write failed", "error", err)
		job.AddError(fmt.Sprintf("body: %s", err))
		job.SetStatus(StatusFailed, "writing")
		return
	}

	meta := artifact.Metadata{
		MessageID: headerValue(res.Headers, "Message-Id"),
		Headers:   res.Headers,
		Degraded:  res.Degraded,
		Markers:   res.Markers,
	}

	for _, img := range res.Images {
		meta.Names = append(meta.Names, artifact.NameMapping{
			Original:  img.OriginalName,
			Generated: img.Name,
			Kind:      string(mailtree.MarkerInlineImage),
		})
		w.preserve(job, writer, img.Name, img.Content, log)
	}
	for i := range res.Attachments {
		att := &res.Attachments[i]
		meta.Names = append(meta.Names, artifact.NameMapping{
			Original:  att.OriginalName,
			Generated: att.Name,
			Kind:      string(mailtree.MarkerAttachment),
		})
		w.preserve(job, writer, att.Name, att.Content, log)
	}

	// Convert attachments with bounded concurrency. Results completed
	// before a cancellation are still collected and written.
	job.SetStatus(StatusConverting, "converting")
	type convOutcome struct {
		att *mailtree.Attachment
		res *convert.Result
		err error
	}
	results := make(chan convOutcome, len(res.Attachments))
	sem := make(chan struct{}, w.maxConcurrentConvert)

	for i := range res.Attachments {
		att := &res.Attachments[i]
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			converted, err := w.convertOne(ctx, att)
			results <- convOutcome{att: att, res: converted, err: err}
		}()
	}

	for range res.Attachments {
		r := <-results
		if r.err != nil {
			kind := errorKind(r.err)
			log.Error("conversion failed", "attachment", r.att.Name, "kind", kind, "error", r.err)
			job.AddItem(artifact.ArtifactStatus{
				Name:   r.att.Name,
				Status: "failed",
				Reason: fmt.Sprintf("%s: %s", kind, r.err),
			})
			continue
		}
		dir := convert.OutputDir(r.att, job.CreatedAt)
		item := artifact.ArtifactStatus{
			Name:      r.att.Name,
			Converter: r.res.Converter,
			Status:    "converted",
			Output:    dir,
			Retries:   r.res.Retries,
			Partial:   r.res.Partial,
		}
		if err := writer.WriteConverted(dir, r.res); err != nil {
			log.Error("converted write failed", "attachment", r.att.Name, "error", err)
			item.Status = "failed"
			item.Reason = fmt.Sprintf("write: %s", err)
		} else {
			log.Info("converted", "attachment", r.att.Name, "converter", r.res.Converter,
				"outputs", len(r.res.Outputs), "retries", r.res.Retries)
		}
		job.AddItem(item)
	}

	snap := job.Snapshot()
	meta.Artifacts = snap.Report.Items
	if err := writer.WriteMetadata(meta); err != nil {
		log.Error("metadata write failed", "error", err)
		job.AddError(fmt.Sprintf("metadata: %s", err))
	}

	switch {
	case ctx.Err() != nil:
		job.SetStatus(StatusCancelled, "done")
	case snap.Report.Failed > 0 && snap.Report.Converted > 0:
		job.SetStatus(StatusPartial, "done")
	case snap.Report.Failed > 0 && snap.Report.Converted == 0 && snap.Report.Attachments > 0:
		job.SetStatus(StatusPartial, "done")
	default:
		job.SetStatus(StatusCompleted, "done")
	}
}

// preserve writes one original artifact and records the outcome.
func (w *Worker) preserve(job *Job, writer *artifact.MessageWriter, name string, content []byte, log *slog.Logger) {
	// The size limit applies to preserved originals too, not just the
	// conversion path.
	if w.policy.MaxBytes > 0 && int64(len(content)) > w.policy.MaxBytes {
		log.Warn("oversize original not preserved", "name", name, "bytes", len(content))
		job.AddItem(artifact.ArtifactStatus{
			Name:   name,
			Status: "failed",
			Reason: fmt.Sprintf("file_size: %d bytes exceeds limit %d", len(content), w.policy.MaxBytes),
		})
		return
	}
	if err := writer.WriteAttachment(name, content); err != nil {
		log.Error("preserve failed", "name", name, "error", err)
		job.AddItem(artifact.ArtifactStatus{Name: name, Status: "failed", Reason: fmt.Sprintf("preserve: %s", err)})
		return
	}
	job.AddItem(artifact.ArtifactStatus{Name: name, Status: "preserved"})
}

// convertOne validates and converts a single attachment. Panics are
// contained here so one bad attachment never takes down the batch.
func (w *Worker) convertOne(ctx context.Context, att *mailtree.Attachment) (res *convert.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &convert.ProcessingError{Converter: "pipeline", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if outcome := security.Validate(att, w.policy); !outcome.Allowed {
		return nil, outcome.Err
	}
	conv, err := w.registry.For(att)
	if err != nil {
		return nil, err
	}
	return conv.Convert(ctx, att, w.convCfg)
}

// errorKind maps an error to its taxonomy name for reports.
func errorKind(err error) string {
	var (
		unsupported *convert.UnsupportedFormatError
		size        *convert.FileSizeError
		mismatch    *security.TypeMismatchError
		validation  *security.ValidationError
		external    *convert.ExternalServiceError
		unavailable *resilience.ServiceUnavailableError
	)
	switch {
	case errors.As(err, &unsupported):
		return "unsupported_format"
	case errors.As(err, &size):
		return "file_size"
	case errors.As(err, &mismatch):
		return "type_mismatch"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &unavailable):
		return "service_unavailable"
	case errors.As(err, &external):
		return "external_service"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "processing"
	}
}

func headerValue(headers map[string][]string, key string) string {
	for _, v := range headers[key] {
		return v
	}
	return ""
}
