// Package queue defines the durable job types the pipeline exchanges through
// asynq and the producer that enqueues them. Payloads are typed per job kind;
// consumers switch exhaustively on the task type and reject anything else.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task type names. Each name carries exactly one payload shape.
const (
	TypeSyncPackage   = "sync:package"
	TypeBackfillTick  = "backfill:tick"
	TypeChatDelivery  = "deliver:chat"
	TypeEmailDelivery = "deliver:email"
)

// Queue names. The backfill queue is consumed by a dedicated worker with
// concurrency 1 so only one tick is ever in flight.
const (
	QueueSync     = "sync"
	QueueBackfill = "backfill"
	QueueDelivery = "delivery"
)

// SyncPackagePayload asks a worker to refresh one package in the search
// index. Name is the idempotency key; Seq is informational (the change feed
// cursor that produced the job, zero for backfill jobs).
type SyncPackagePayload struct {
	Name    string `json:"name"`
	Seq     int64  `json:"seq,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// BackfillTickPayload drives one bounded step of the backfill orchestrator.
type BackfillTickPayload struct{}

// ChatDeliveryPayload delivers one update notice to a user's chat webhook.
type ChatDeliveryPayload struct {
	UserID           string `json:"user_id"`
	PackageName      string `json:"package_name"`
	PreviousVersion  string `json:"previous_version,omitempty"`
	NewVersion       string `json:"new_version"`
	Severity         string `json:"severity"`
	IsSecurityUpdate bool   `json:"is_security_update,omitempty"`
	WebhookURL       string `json:"webhook_url"`
}

// EmailDeliveryPayload delivers one immediate-critical email.
type EmailDeliveryPayload struct {
	UserID          string `json:"user_id"`
	PackageName     string `json:"package_name"`
	PreviousVersion string `json:"previous_version,omitempty"`
	NewVersion      string `json:"new_version"`
	Severity        string `json:"severity"`
}

// Unmarshal decodes a task payload. A payload that does not decode is a
// permanently bad job, so the error skips asynq's retry.
func Unmarshal[T any](task *asynq.Task) (T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("malformed %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return payload, nil
}

func marshal(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload types marshal cleanly; this is unreachable outside
		// programmer error.
		panic(fmt.Sprintf("marshaling queue payload: %v", err))
	}
	return data
}
