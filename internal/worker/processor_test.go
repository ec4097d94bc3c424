package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/engine"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/storage"
)

type fakeBlobs struct {
	raw  map[string][]byte
	text map[string][]byte
}

func (f *fakeBlobs) DownloadRaw(_ context.Context, key string) ([]byte, error) {
	data, ok := f.raw[key]
	if !ok {
		return nil, errors.New("object missing")
	}
	return data, nil
}

func (f *fakeBlobs) UploadText(_ context.Context, key string, data []byte) error {
	f.text[key] = data
	return nil
}

type fakeEngine struct {
	fail bool
}

func (e *fakeEngine) Recognize(_ context.Context, data []byte, _ string, _ model.RecognitionSettings) (*engine.Result, error) {
	if e.fail {
		return nil, &model.ProcessingError{Detail: "forced failure"}
	}
	return &engine.Result{Pages: 1, Text: string(data), OverallConfidence: 0.88}, nil
}

func seed(t *testing.T, st *storage.MemoryStore, sched *scheduler.Scheduler, blobs *fakeBlobs, id string) *model.Document {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsureTenant(ctx, "t1", 1<<30, model.DefaultSettings()); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	doc := &model.Document{
		ID:          id,
		TenantID:    "t1",
		FileName:    id + ".png",
		Fingerprint: id + "-fp",
		SizeBytes:   10,
		Status:      model.StatusPending,
		Settings:    model.DefaultSettings(),
		CreatedAt:   time.Now().UTC(),
	}
	if _, _, err := st.CreateDocument(ctx, doc, sched.NewJob(doc, 0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	blobs.raw["tenants/t1/"+doc.Fingerprint] = []byte("recognized text for " + id)
	return doc
}

func TestDrainCompletesJobs(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	log := zap.NewNop()
	sched := scheduler.New(st, nil, audit.NewTrail(st, log), log, scheduler.Options{})
	blobs := &fakeBlobs{raw: map[string][]byte{}, text: map[string][]byte{}}
	p := NewProcessor(sched, st, blobs, &fakeEngine{}, log)

	seed(t, st, sched, blobs, "d1")
	seed(t, st, sched, blobs, "d2")

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, id := range []string{"d1", "d2"} {
		doc, err := st.GetDocument(ctx, "t1", id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if doc.Status != model.StatusCompleted {
			t.Fatalf("%s status: %s", id, doc.Status)
		}
		if _, ok := blobs.text[doc.TextKey]; !ok {
			t.Fatalf("%s text artifact missing at %q", id, doc.TextKey)
		}
	}
	stats, _ := st.QueueStats(ctx)
	if stats.QueueLength != 0 {
		t.Fatalf("queue not drained: %+v", stats)
	}
}

func TestDrainReportsFailures(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	log := zap.NewNop()
	sched := scheduler.New(st, nil, audit.NewTrail(st, log), log, scheduler.Options{MaxAttempts: 1})
	blobs := &fakeBlobs{raw: map[string][]byte{}, text: map[string][]byte{}}
	p := NewProcessor(sched, st, blobs, &fakeEngine{fail: true}, log)

	seed(t, st, sched, blobs, "d1")
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	doc, _ := st.GetDocument(ctx, "t1", "d1")
	if doc.Status != model.StatusError {
		t.Fatalf("status: %s", doc.Status)
	}
	if doc.ErrorDetail == "" {
		t.Fatalf("error detail missing")
	}
}

func TestDrainSkipsMissingObject(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	log := zap.NewNop()
	sched := scheduler.New(st, nil, audit.NewTrail(st, log), log, scheduler.Options{MaxAttempts: 1})
	blobs := &fakeBlobs{raw: map[string][]byte{}, text: map[string][]byte{}}
	p := NewProcessor(sched, st, blobs, &fakeEngine{}, log)

	doc := seed(t, st, sched, blobs, "d1")
	delete(blobs.raw, "tenants/t1/"+doc.Fingerprint)

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _ := st.GetDocument(ctx, "t1", "d1")
	if got.Status != model.StatusError {
		t.Fatalf("missing object should fail the attempt: %s", got.Status)
	}
}
