// Package model contains the entity types shared across packages.
package model

import (
	"time"
)

// TenantID is the salted hash of a client network address. It is the only
// identity a client ever has; every data access is scoped by it.
type TenantID string

// DocumentStatus describes the recognition lifecycle of an uploaded document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusError      DocumentStatus = "error"
	StatusCancelled  DocumentStatus = "cancelled"
)

// Terminal reports whether no further automatic transition occurs.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Tenant is the durable record backing one isolation unit.
type Tenant struct {
	ID            TenantID            `json:"id"`
	QuotaBytes    int64               `json:"quotaBytes"`
	UsageBytes    int64               `json:"usageBytes"`
	DocumentCount int64               `json:"documentCount"`
	Settings      RecognitionSettings `json:"settings"`
	FirstSeen     time.Time           `json:"firstSeen"`
	LastSeen      time.Time           `json:"lastSeen"`
	Active        bool                `json:"active"`
}

// Document is one uploaded file and its recognition outcome. Ownership is
// immutable; the (TenantID, Fingerprint) pair is unique among stored rows.
type Document struct {
	ID                  string              `json:"id"`
	TenantID            TenantID            `json:"-"`
	FileName            string              `json:"fileName"`
	Fingerprint         string              `json:"fingerprint"`
	SizeBytes           int64               `json:"sizeBytes"`
	Pages               int                 `json:"pages"`
	Status              DocumentStatus      `json:"status"`
	Settings            RecognitionSettings `json:"settings"`
	Confidence          float64             `json:"confidence,omitempty"`
	ErrorDetail         string              `json:"errorDetail,omitempty"`
	RetryCount          int                 `json:"retryCount"`
	TextKey             string              `json:"-"`
	CreatedAt           time.Time           `json:"createdAt"`
	ProcessingStartedAt *time.Time          `json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time          `json:"completedAt,omitempty"`
}

// Job is the schedulable unit, one-to-one with a pending or processing
// Document. LeasedBy is empty while the job is eligible for dispatch.
type Job struct {
	ID             string     `json:"id"`
	DocumentID     string     `json:"documentId"`
	TenantID       TenantID   `json:"-"`
	Priority       int        `json:"priority"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	LastError      string     `json:"lastError,omitempty"`
	NotBefore      time.Time  `json:"notBefore"`
	LeasedBy       string     `json:"leasedBy,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Leased reports whether the job currently holds a live lease.
func (j *Job) Leased(now time.Time) bool {
	return j.LeasedBy != "" && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// Session is a short-lived token binding. The raw token is never stored;
// TokenHash is its SHA-256 digest.
type Session struct {
	TokenHash         string    `json:"-"`
	TenantID          TenantID  `json:"-"`
	ClientFingerprint string    `json:"-"`
	IssuedAt          time.Time `json:"issuedAt"`
	LastAccessed      time.Time `json:"lastAccessed"`
	ExpiresAt         time.Time `json:"expiresAt"`
	Active            bool      `json:"active"`
}

// AuditEntry is an append-only record of a security- or lifecycle-relevant
// event. TenantID may be empty for system events.
type AuditEntry struct {
	ID           int64          `json:"id"`
	TenantID     TenantID       `json:"tenantId,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Success      bool           `json:"success"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// UsageSnapshot is the read side of the usage counters.
type UsageSnapshot struct {
	UsageBytes    int64 `json:"usageBytes"`
	QuotaBytes    int64 `json:"quotaBytes"`
	DocumentCount int64 `json:"documentCount"`
}

// EstimatedSecondsPerDocument is the rough per-document latency used to
// derive the queue wait estimate.
const EstimatedSecondsPerDocument = 30

// QueueStats summarizes scheduler health for the queue-status endpoint.
type QueueStats struct {
	QueueLength   int `json:"queueLength"`
	ActiveWorkers int `json:"activeWorkers"`
	// EstimatedWaitSeconds is QueueLength * EstimatedSecondsPerDocument.
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}

// RecognitionOutcome is what a worker reports back on success.
type RecognitionOutcome struct {
	Pages      int
	Confidence float64
	TextKey    string
}
