package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// ProcessTask nudges the worker pool that recognition work may be
	// eligible. The database holds the authoritative queue; the task only
	// wakes workers so they drain it without tight polling.
	ProcessTask = "ocr:process"
)

// ProcessPayload identifies the document whose enqueue triggered the nudge.
// Workers lease whatever ranks highest, which may be a different job.
type ProcessPayload struct {
	DocumentID string `json:"document_id"`
}

// Notifier adapts an asynq client to the scheduler's notifier contract.
type Notifier struct {
	client *asynq.Client
}

// NewNotifier wraps the client.
func NewNotifier(client *asynq.Client) *Notifier {
	return &Notifier{client: client}
}

// NotifyProcess enqueues a wake-up task.
func (n *Notifier) NotifyProcess(ctx context.Context, documentID string, notBefore time.Time) error {
	return EnqueueProcess(ctx, n.client, documentID, notBefore)
}

// EnqueueProcess schedules a wake-up for the worker pool. notBefore in the
// past or zero dispatches immediately. Retries at the asynq level stay low:
// delivery is a hint, the lease queue guarantees the work itself.
func EnqueueProcess(ctx context.Context, client *asynq.Client, documentID string, notBefore time.Time) error {
	data, err := json.Marshal(ProcessPayload{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessTask, data)
	opts := []asynq.Option{asynq.MaxRetry(3)}
	if !notBefore.IsZero() && notBefore.After(time.Now()) {
		opts = append(opts, asynq.ProcessAt(notBefore))
	}
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
