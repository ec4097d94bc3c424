package accounting

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/storage"
)

func TestVerifyAllCleanTenants(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	a := New(st, zap.NewNop())

	for _, tenant := range []model.TenantID{"t1", "t2"} {
		if _, err := st.EnsureTenant(ctx, tenant, 1<<20, model.DefaultSettings()); err != nil {
			t.Fatalf("tenant: %v", err)
		}
		doc := &model.Document{
			ID:          string(tenant) + "-doc",
			TenantID:    tenant,
			FileName:    "scan.png",
			Fingerprint: string(tenant) + "-fp",
			SizeBytes:   1234,
			Status:      model.StatusPending,
			Settings:    model.DefaultSettings(),
			CreatedAt:   time.Now().UTC(),
		}
		job := &model.Job{
			ID:          string(tenant) + "-job",
			DocumentID:  doc.ID,
			TenantID:    tenant,
			Priority:    100,
			MaxAttempts: 3,
			NotBefore:   time.Now().UTC(),
			CreatedAt:   time.Now().UTC(),
		}
		if _, _, err := st.CreateDocument(ctx, doc, job); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	drifted, err := a.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if drifted != 0 {
		t.Fatalf("clean tenants reported drifted: %d", drifted)
	}
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	a := New(st, zap.NewNop())
	if _, err := st.EnsureTenant(ctx, "t1", 1<<20, model.DefaultSettings()); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	snap, err := a.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.QuotaBytes != 1<<20 || snap.UsageBytes != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}
