// Package auditstore persists the audit trail a worker writes as it settles
// messages: one immutable record per handled message, success or error,
// before the message is deleted from its queue. Stores are create-once and
// never update existing records.
package auditstore

import (
	"context"
	"time"
)

// Status classifies how a message's handler concluded.
type Status string

const (
	// StatusSuccess records a handler that completed its business logic.
	StatusSuccess Status = "success"

	// StatusError records a handler that reported a failure. The message is
	// still settled; the record is the durable trace of the failure.
	StatusError Status = "error"
)

// AuditRecord is the durable trace of one handled message.
type AuditRecord struct {
	// ID uniquely identifies the record itself.
	ID string `bigquery:"id" firestore:"id" json:"id"`

	// Service is the worker service that handled the message; stores use it
	// as their namespace (collection, table) key.
	Service string `bigquery:"service" firestore:"service" json:"service"`

	// UseCase is the label of the rule whose handler ran.
	UseCase string `bigquery:"use_case" firestore:"useCase" json:"useCase"`

	// MessageID is the transport's identifier for the handled delivery.
	MessageID string `bigquery:"message_id" firestore:"messageId" json:"messageId"`

	// OriginalMessageID traces a message chain: when a handler re-publishes
	// work, downstream records keep pointing at the message that started
	// the chain.
	OriginalMessageID string `bigquery:"original_message_id" firestore:"originalMessageId" json:"originalMessageId"`

	// Status is success or error.
	Status Status `bigquery:"status" firestore:"status" json:"status"`

	// ReferenceType and ReferenceValue say by what domain key this record
	// should be looked up, defaulting to the use-case label.
	ReferenceType  string `bigquery:"reference_type" firestore:"referenceType" json:"referenceType"`
	ReferenceValue string `bigquery:"reference_value" firestore:"referenceValue" json:"referenceValue"`

	// GroupLabel optionally buckets related records for reporting.
	GroupLabel string `bigquery:"group_label" firestore:"groupLabel,omitempty" json:"groupLabel,omitempty"`

	// AffectedCount is the handler-reported number of entities it touched.
	AffectedCount int `bigquery:"affected_count" firestore:"affectedCount" json:"affectedCount"`

	// Result is the serialized handler output, or the error text for error
	// records.
	Result string `bigquery:"result" firestore:"result" json:"result"`

	// CreatedAt is when the record was built, immediately before insertion.
	CreatedAt time.Time `bigquery:"created_at" firestore:"createdAt" json:"createdAt"`
}

// RecordInserter is the contract the worker writes audit records through.
// Insert failures are logged by the caller and never block message deletion,
// so implementations should not retry internally at the cost of latency.
type RecordInserter interface {
	// Insert persists a single record. Inserting a record whose ID already
	// exists is not an error; the first write wins.
	Insert(ctx context.Context, record *AuditRecord) error

	// Close releases any resources held by the store.
	Close() error
}
