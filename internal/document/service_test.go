package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/storage"
	"github.com/scanvault/scanvault/internal/store"
)

// fakeBlobs records object operations in memory.
type fakeBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) UploadRaw(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) DeleteRaw(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) DeleteText(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) PresignTextURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func (f *fakeBlobs) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func pngBytes(payload string) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), []byte(payload)...)
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *fakeBlobs) {
	t.Helper()
	st := storage.NewMemoryStore()
	blobs := newFakeBlobs()
	log := zap.NewNop()
	trail := audit.NewTrail(st, log)
	sched := scheduler.New(st, nil, trail, log, scheduler.Options{})
	svc := NewService(st, blobs, sched, trail, log, 1<<20,
		[]string{"application/pdf", "image/png", "image/jpeg"}, time.Minute)
	if _, err := st.EnsureTenant(context.Background(), "t1", 1<<20, model.DefaultSettings()); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	return svc, st, blobs
}

func TestUploadRegistersDocumentAndJob(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newService(t)

	res, err := svc.Upload(ctx, "t1", "scan.png", pngBytes("hello"), model.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("fresh upload marked duplicate")
	}
	doc := res.Document
	if doc.Status != model.StatusPending || doc.SizeBytes != int64(len(pngBytes("hello"))) {
		t.Fatalf("document: %+v", doc)
	}
	if !blobs.has("tenants/t1/" + doc.Fingerprint) {
		t.Fatalf("raw object missing")
	}
	job, err := st.LeaseNextJob(ctx, "w1", time.Minute)
	if err != nil || job == nil || job.DocumentID != doc.ID {
		t.Fatalf("job not enqueued: %+v err=%v", job, err)
	}
}

func TestUploadValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	cases := []struct {
		name string
		file string
		data []byte
	}{
		{"empty", "a.png", nil},
		{"oversize", "a.png", pngBytes(string(make([]byte, 2<<20)))},
		{"wrong type", "a.txt", []byte("plain text, not an image")},
		{"missing name", "", pngBytes("x")},
	}
	for _, tc := range cases {
		_, err := svc.Upload(ctx, "t1", tc.file, tc.data, model.DefaultSettings(), 0)
		var validation *model.ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	// Bad settings are rejected before anything persists.
	bad := model.RecognitionSettings{Language: "eng", DPI: 10, Mode: model.ModeAuto}
	if _, err := svc.Upload(ctx, "t1", "a.png", pngBytes("x"), bad, 0); err == nil {
		t.Fatalf("invalid settings accepted")
	}
}

func TestUploadDeduplicates(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t)
	data := pngBytes("same bytes")

	first, err := svc.Upload(ctx, "t1", "one.png", data, model.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.Upload(ctx, "t1", "two.png", data, model.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicate || second.Document.ID != first.Document.ID {
		t.Fatalf("duplicate not collapsed: %+v", second)
	}
	snap, _ := st.UsageSnapshot(ctx, "t1")
	if snap.DocumentCount != 1 {
		t.Fatalf("duplicate counted: %+v", snap)
	}
}

func TestUploadQuotaRejection(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newService(t)
	big := pngBytes(string(make([]byte, 900_000)))
	if _, err := svc.Upload(ctx, "t1", "big.png", big, model.DefaultSettings(), 0); err != nil {
		t.Fatalf("first: %v", err)
	}
	next := pngBytes(string(make([]byte, 200_000)))
	_, err := svc.Upload(ctx, "t1", "next.png", next, model.DefaultSettings(), 0)
	var quota *model.QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("expected quota error, got %v", err)
	}
	// A rejected upload persists nothing: no raw object in storage.
	sum := sha256.Sum256(next)
	if blobs.has("tenants/t1/" + hex.EncodeToString(sum[:])) {
		t.Fatalf("quota-rejected upload left a raw object behind")
	}
	snap, _ := st.UsageSnapshot(ctx, "t1")
	if snap.UsageBytes != int64(len(big)) || snap.DocumentCount != 1 {
		t.Fatalf("usage moved on rejection: %+v", snap)
	}
	// The rejection lands in the audit trail.
	entries, _ := st.RecentAudit(ctx, 10)
	found := false
	for _, e := range entries {
		if e.Action == audit.ActionQuotaRejected && e.TenantID == "t1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("quota rejection not audited")
	}
}

func TestUploadObjectWriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newService(t)
	blobs.uploadErr = errors.New("bucket unavailable")
	if _, err := svc.Upload(ctx, "t1", "scan.png", pngBytes("bytes"), model.DefaultSettings(), 0); err == nil {
		t.Fatalf("upload succeeded without object write")
	}
	docs, err := st.ListDocuments(ctx, "t1", store.ListFilter{Limit: 10})
	if err != nil || len(docs) != 0 {
		t.Fatalf("row survived failed object write: %v docs=%d", err, len(docs))
	}
	snap, _ := st.UsageSnapshot(ctx, "t1")
	if snap.UsageBytes != 0 || snap.DocumentCount != 0 {
		t.Fatalf("usage retained after rollback: %+v", snap)
	}
}

func TestDeleteRemovesArtifacts(t *testing.T) {
	ctx := context.Background()
	svc, st, blobs := newService(t)
	res, err := svc.Upload(ctx, "t1", "scan.png", pngBytes("bytes"), model.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	doc := res.Document
	rawKey := "tenants/t1/" + doc.Fingerprint
	if err := svc.Delete(ctx, "t1", doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if blobs.has(rawKey) {
		t.Fatalf("raw object survived delete")
	}
	if _, err := st.GetDocument(ctx, "t1", doc.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("row survived delete: %v", err)
	}
	snap, _ := st.UsageSnapshot(ctx, "t1")
	if snap.UsageBytes != 0 || snap.DocumentCount != 0 {
		t.Fatalf("usage not released: %+v", snap)
	}
}

func TestCancelLeavesRow(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t)
	res, err := svc.Upload(ctx, "t1", "scan.png", pngBytes("bytes"), model.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	doc, err := svc.Cancel(ctx, "t1", res.Document.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if doc.Status != model.StatusCancelled {
		t.Fatalf("status: %s", doc.Status)
	}
	if job, _ := st.LeaseNextJob(ctx, "w1", time.Minute); job != nil {
		t.Fatalf("cancelled document still schedulable")
	}
}

func TestTextURLRequiresCompletion(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t)
	res, err := svc.Upload(ctx, "t1", "scan.png", pngBytes("bytes"), model.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := svc.TextURL(ctx, "t1", res.Document.ID); err == nil {
		t.Fatalf("text url served before completion")
	}
	job, _ := st.LeaseNextJob(ctx, "w1", time.Minute)
	if job == nil {
		t.Fatal("expected job")
	}
	textKey := "tenants/t1/" + res.Document.ID + ".txt"
	if _, err := st.CompleteJob(ctx, job.ID, model.RecognitionOutcome{Pages: 1, Confidence: 0.9, TextKey: textKey}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	url, err := svc.TextURL(ctx, "t1", res.Document.ID)
	if err != nil {
		t.Fatalf("text url: %v", err)
	}
	if url != "https://example.test/"+textKey {
		t.Fatalf("url: %s", url)
	}
}
