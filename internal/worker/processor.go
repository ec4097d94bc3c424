// Package worker drains the recognition queue. Asynq tasks are wake-up
// nudges only; on every nudge the processor leases from the database until
// nothing is eligible, so a lost or duplicated nudge never loses or repeats
// work.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/engine"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/queue"
	"github.com/scanvault/scanvault/internal/s3storage"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/store"
)

// Blobs is the object-storage slice a worker needs.
type Blobs interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadText(ctx context.Context, objectKey string, data []byte) error
}

// Processor leases and executes recognition jobs.
type Processor struct {
	workerID string
	sched    *scheduler.Scheduler
	docs     store.DocumentStore
	blobs    Blobs
	eng      engine.Engine
	log      *zap.Logger
}

// NewProcessor constructs a Processor with a unique worker identity. The
// identity goes into every lease so orphaned leases trace back to a process.
func NewProcessor(sched *scheduler.Scheduler, docs store.DocumentStore, blobs Blobs, eng engine.Engine, log *zap.Logger) *Processor {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Processor{
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		sched:    sched,
		docs:     docs,
		blobs:    blobs,
		eng:      eng,
		log:      log,
	}
}

// WorkerID returns the lease identity.
func (p *Processor) WorkerID() string { return p.workerID }

// Handler registers the nudge handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ProcessTask, p.handleNudge)
	return mux
}

func (p *Processor) handleNudge(ctx context.Context, _ *asynq.Task) error {
	return p.Drain(ctx)
}

// Drain leases and processes jobs until the queue has nothing eligible.
// Job failures are reported to the scheduler, not returned: a bad document
// must not stall the drain behind it.
func (p *Processor) Drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		job, err := p.sched.LeaseNext(ctx, p.workerID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		p.processLeased(ctx, job)
	}
}

func (p *Processor) processLeased(ctx context.Context, job *model.Job) {
	start := time.Now()
	outcome, err := p.recognize(ctx, job)
	if err != nil {
		p.log.Warn("recognition attempt failed",
			zap.String("job", job.ID),
			zap.String("document", job.DocumentID),
			zap.Int("attempt", job.Attempts+1),
			zap.Error(err))
		if _, ferr := p.sched.ReportFailure(ctx, job.ID, err); ferr != nil {
			p.log.Error("failure report failed", zap.String("job", job.ID), zap.Error(ferr))
		}
		return
	}
	if _, err := p.sched.ReportSuccess(ctx, job.ID, *outcome); err != nil {
		p.log.Error("success report failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	p.log.Info("document recognized",
		zap.String("document", job.DocumentID),
		zap.Int("pages", outcome.Pages),
		zap.Float64("confidence", outcome.Confidence),
		zap.Duration("took", time.Since(start)))
}

func (p *Processor) recognize(ctx context.Context, job *model.Job) (*model.RecognitionOutcome, error) {
	doc, err := p.docs.GetDocument(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	data, err := p.blobs.DownloadRaw(ctx, s3storage.RawKey(doc.TenantID, doc.Fingerprint))
	if err != nil {
		return nil, fmt.Errorf("fetch upload: %w", err)
	}
	result, err := p.eng.Recognize(ctx, data, sniffType(data), doc.Settings)
	if err != nil {
		return nil, err
	}
	textKey := s3storage.TextKey(doc.TenantID, doc.ID)
	if err := p.blobs.UploadText(ctx, textKey, []byte(result.Text)); err != nil {
		return nil, fmt.Errorf("store text: %w", err)
	}
	return &model.RecognitionOutcome{
		Pages:      result.Pages,
		Confidence: result.OverallConfidence,
		TextKey:    textKey,
	}, nil
}

func sniffType(data []byte) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return http.DetectContentType(head)
}
