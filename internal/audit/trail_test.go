package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/storage"
)

func TestRecordAndRecent(t *testing.T) {
	st := storage.NewMemoryStore()
	trail := NewTrail(st, zap.NewNop())

	trail.Record("t1", ActionDocumentUploaded, "document", "d1", true, map[string]any{"sizeBytes": int64(10)})
	trail.Record("t2", ActionQuotaRejected, "document", "", false, nil)
	trail.Record("", ActionLeaseReclaimed, "job", "", true, map[string]any{"count": 2})

	entries, err := trail.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit ignored: %d", len(entries))
	}
	// Newest first.
	if entries[0].Action != ActionLeaseReclaimed || entries[1].Action != ActionQuotaRejected {
		t.Fatalf("order: %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].TenantID != "" {
		t.Fatalf("system entry carries a tenant: %q", entries[0].TenantID)
	}
	if entries[1].Success {
		t.Fatalf("rejection recorded as success")
	}
}
