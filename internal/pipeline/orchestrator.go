package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/mailgest/internal/artifact"
	"github.com/dgallion1/mailgest/internal/chunker"
	"github.com/dgallion1/mailgest/internal/config"
	"github.com/dgallion1/mailgest/internal/convert"
	"github.com/dgallion1/mailgest/internal/resilience"
	"github.com/dgallion1/mailgest/internal/security"
)

// Orchestrator manages the message processing pipeline.
type Orchestrator struct {
	jobs     *JobStore
	queue    chan *Job
	registry *convert.Registry
	store    *artifact.Store
	log      *slog.Logger
	cfg      config.Config
	policy   security.Policy
	convCfg  convert.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the converter registry from the enabled format
// flags and prepares the queue. Call Start to begin processing.
func NewOrchestrator(cfg config.Config, store *artifact.Store, ocr *convert.OCRClient, breakers *resilience.Registry, log *slog.Logger) *Orchestrator {
	var converters []convert.Converter
	if cfg.SpreadsheetEnabled {
		converters = append(converters, &convert.SpreadsheetConverter{})
	}
	if cfg.OCREnabled && ocr != nil {
		retry := resilience.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay}
		converters = append(converters, convert.NewOCRDocConverter(ocr, breakers, retry))
	}
	if cfg.WordEnabled {
		converters = append(converters, &convert.WordConverter{})
	}

	policy := security.DefaultPolicy(cfg.MaxAttachmentBytes)
	policy.Permissive = cfg.PermissiveTypes

	return &Orchestrator{
		jobs:     NewJobStore(cfg.JobTTL),
		queue:    make(chan *Job, cfg.MaxQueueSize),
		registry: convert.NewRegistry(converters...),
		store:    store,
		log:      log,
		cfg:      cfg,
		policy:   policy,
		convCfg: convert.Config{
			MaxBytes:        cfg.MaxAttachmentBytes,
			Policy:          policy,
			PageSeparator:   cfg.OCRPageSeparator,
			OCRMode:         convert.Mode(cfg.OCRMode),
			MinImagePixels:  cfg.OCRMinImagePixels,
			MaxImages:       cfg.OCRMaxImages,
			ChunkingEnabled: cfg.ChunkingEnabled,
			Chunking: chunker.Config{
				Strategy:      chunker.Strategy(cfg.ChunkStrategy),
				MaxTokens:     cfg.ChunkMaxTokens,
				OverlapTokens: cfg.ChunkOverlapTokens,
			},
		},
	}
}

// Start launches worker goroutines and the job store cleanup loop.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.cfg.WorkerCount {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w := NewWorker(o.registry, o.store, o.log, o.policy, o.convCfg, o.cfg.MaxConcurrentConvert)
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					w.Process(workerCtx, job)
				}
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				o.jobs.Cleanup()
			}
		}
	}()
}

// Stop gracefully shuts down the pipeline.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	close(o.queue)
	o.wg.Wait()
}

// Submit queues a new job for processing.
func (o *Orchestrator) Submit(job *Job) error {
	o.jobs.Put(job)
	select {
	case o.queue <- job:
		return nil
	default:
		job.SetStatus(StatusFailed, "queue_full")
		return fmt.Errorf("job queue is full (%d)", o.cfg.MaxQueueSize)
	}
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}
