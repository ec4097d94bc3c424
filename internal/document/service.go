// Package document implements the upload, retrieval, and deletion surface
// over the store. Uploads are content-addressed per tenant: the same bytes
// uploaded twice by one tenant resolve to one stored document, while the
// same bytes from two tenants are two fully separate documents.
package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/pdfinspect"
	"github.com/scanvault/scanvault/internal/s3storage"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/store"
)

// BlobStore is the object-storage slice the service needs. Satisfied by
// *s3storage.Storage; tests supply a stub.
type BlobStore interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	DeleteRaw(ctx context.Context, objectKey string) error
	DeleteText(ctx context.Context, objectKey string) error
	PresignTextURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Service handles the document lifecycle for one tenant at a time.
type Service struct {
	store        store.DocumentStore
	blobs        BlobStore
	sched        *scheduler.Scheduler
	trail        *audit.Trail
	log          *zap.Logger
	maxFileSize  int64
	allowedTypes map[string]bool
	signedTTL    time.Duration
}

// NewService constructs a Service.
func NewService(st store.DocumentStore, blobs BlobStore, sched *scheduler.Scheduler, trail *audit.Trail, log *zap.Logger, maxFileSize int64, allowedTypes []string, signedTTL time.Duration) *Service {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &Service{
		store:        st,
		blobs:        blobs,
		sched:        sched,
		trail:        trail,
		log:          log,
		maxFileSize:  maxFileSize,
		allowedTypes: allowed,
		signedTTL:    signedTTL,
	}
}

// UploadResult reports one registered upload.
type UploadResult struct {
	Document  *model.Document `json:"document"`
	Duplicate bool            `json:"duplicate"`
}

// Upload validates and registers a document. The database insert carries the
// quota check and runs first: a rejected upload persists nothing, in storage
// or elsewhere. Only after the row exists do the bytes go to object storage;
// a duplicate skips the write because its object landed with the first copy.
func (s *Service) Upload(ctx context.Context, tenant model.TenantID, fileName string, data []byte, settings model.RecognitionSettings, priority int) (*UploadResult, error) {
	contentType, pages, err := s.validate(fileName, data)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])
	rawKey := s3storage.RawKey(tenant, fingerprint)

	now := time.Now().UTC()
	doc := &model.Document{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		FileName:    fileName,
		Fingerprint: fingerprint,
		SizeBytes:   int64(len(data)),
		Pages:       pages,
		Status:      model.StatusPending,
		Settings:    settings,
		CreatedAt:   now,
	}
	job := s.sched.NewJob(doc, priority)

	out, created, err := s.store.CreateDocument(ctx, doc, job)
	if err != nil {
		var quota *model.QuotaExceededError
		if errors.As(err, &quota) {
			s.trail.Record(tenant, audit.ActionQuotaRejected, "document", "", false, map[string]any{
				"fileName":     fileName,
				"requestBytes": quota.RequestBytes,
				"usageBytes":   quota.UsageBytes,
				"quotaBytes":   quota.QuotaBytes,
			})
		}
		return nil, err
	}
	if !created {
		s.log.Debug("duplicate upload deduplicated",
			zap.String("tenant", string(tenant)),
			zap.String("document", out.ID))
		return &UploadResult{Document: out, Duplicate: true}, nil
	}

	if err := s.blobs.UploadRaw(ctx, rawKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		// Roll the registration back; the row must not outlive its bytes.
		if _, derr := s.store.DeleteDocument(ctx, tenant, out.ID); derr != nil {
			s.log.Error("orphaned document row after failed object write",
				zap.String("document", out.ID), zap.Error(derr))
		}
		return nil, fmt.Errorf("store upload: %w", err)
	}

	s.trail.Record(tenant, audit.ActionDocumentUploaded, "document", out.ID, true, map[string]any{
		"fileName":  fileName,
		"sizeBytes": out.SizeBytes,
		"pages":     out.Pages,
	})
	s.sched.NotifyEnqueued(ctx, out.ID, job.NotBefore)
	return &UploadResult{Document: out}, nil
}

// Get returns one document scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	return s.store.GetDocument(ctx, tenant, docID)
}

// List returns the tenant's documents, newest first.
func (s *Service) List(ctx context.Context, tenant model.TenantID, f store.ListFilter) ([]*model.Document, error) {
	return s.store.ListDocuments(ctx, tenant, f)
}

// Delete removes the document, its job, and its stored artifacts, and
// releases its byte weight from the tenant's usage. Artifact removal is
// best-effort; the database row is authoritative.
func (s *Service) Delete(ctx context.Context, tenant model.TenantID, docID string) error {
	doc, err := s.store.DeleteDocument(ctx, tenant, docID)
	if err != nil {
		return err
	}
	if err := s.blobs.DeleteRaw(ctx, s3storage.RawKey(tenant, doc.Fingerprint)); err != nil {
		s.log.Warn("raw artifact cleanup failed", zap.String("document", docID), zap.Error(err))
	}
	if doc.TextKey != "" {
		if err := s.blobs.DeleteText(ctx, doc.TextKey); err != nil {
			s.log.Warn("text artifact cleanup failed", zap.String("document", docID), zap.Error(err))
		}
	}
	s.trail.Record(tenant, audit.ActionDocumentDeleted, "document", docID, true, map[string]any{
		"sizeBytes": doc.SizeBytes,
	})
	return nil
}

// Cancel withdraws a pending or processing document from recognition. The
// row and its usage weight remain; only the job goes away.
func (s *Service) Cancel(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	doc, err := s.store.CancelDocument(ctx, tenant, docID)
	if err != nil {
		return nil, err
	}
	s.trail.Record(tenant, audit.ActionDocumentCancelled, "document", docID, true, nil)
	return doc, nil
}

// Usage returns the tenant's counter snapshot.
func (s *Service) Usage(ctx context.Context, tenant model.TenantID) (model.UsageSnapshot, error) {
	return s.store.UsageSnapshot(ctx, tenant)
}

// TextURL returns a short-lived signed URL for the recognized text of a
// completed document.
func (s *Service) TextURL(ctx context.Context, tenant model.TenantID, docID string) (string, error) {
	doc, err := s.store.GetDocument(ctx, tenant, docID)
	if err != nil {
		return "", err
	}
	if doc.Status != model.StatusCompleted || doc.TextKey == "" {
		return "", &model.ValidationError{Reason: "document has no recognized text yet"}
	}
	return s.blobs.PresignTextURL(ctx, doc.TextKey, s.signedTTL)
}

// validate checks size and sniffed content type, and counts pages. The type
// check trusts the bytes, never the client-supplied name or header.
func (s *Service) validate(fileName string, data []byte) (contentType string, pages int, err error) {
	if len(data) == 0 {
		return "", 0, &model.ValidationError{Reason: "empty file"}
	}
	if int64(len(data)) > s.maxFileSize {
		return "", 0, &model.ValidationError{Reason: fmt.Sprintf("file exceeds %d byte limit", s.maxFileSize)}
	}
	if fileName == "" {
		return "", 0, &model.ValidationError{Reason: "missing file name"}
	}
	contentType = sniffType(data)
	if !s.allowedTypes[contentType] {
		return "", 0, &model.ValidationError{Reason: "unsupported file type " + contentType}
	}
	pages = 1
	if contentType == "application/pdf" {
		pages, err = pdfinspect.PageCount(data)
		if err != nil {
			return "", 0, &model.ValidationError{Reason: "unreadable pdf: " + err.Error()}
		}
		if pages == 0 {
			return "", 0, &model.ValidationError{Reason: "pdf has no pages"}
		}
	}
	return contentType, pages, nil
}

func sniffType(data []byte) string {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return http.DetectContentType(head)
}
