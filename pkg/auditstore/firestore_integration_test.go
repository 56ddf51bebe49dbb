//go:build integration

package auditstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-usecase-worker/pkg/auditstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires the Firestore emulator, e.g.
//
//	gcloud emulators firestore start --host-port=localhost:8086
//	FIRESTORE_EMULATOR_HOST=localhost:8086 go test -tags=integration ./pkg/auditstore/...
func TestFirestoreStore_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping Firestore integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	collection := "audit-it-" + uuid.NewString()[:8]
	store, err := auditstore.NewFirestoreStore(ctx, &auditstore.FirestoreConfig{
		ProjectID:  "audit-integration-test",
		Collection: collection,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	record := &auditstore.AuditRecord{
		ID:             uuid.NewString(),
		Service:        "orders",
		UseCase:        "create-order",
		MessageID:      "msg-1",
		Status:         auditstore.StatusError,
		ReferenceType:  "useCase",
		ReferenceValue: "create-order",
		Result:         "handler failed: boom",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, record))

	// A second insert under the same ID is create-once: no error, first
	// write preserved.
	dup := *record
	dup.Result = "overwritten"
	require.NoError(t, store.Insert(ctx, &dup))

	client, err := firestore.NewClient(ctx, "audit-integration-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	snap, err := client.Collection(collection).Doc(record.ID).Get(ctx)
	require.NoError(t, err)

	var stored auditstore.AuditRecord
	require.NoError(t, snap.DataTo(&stored))
	assert.Equal(t, auditstore.StatusError, stored.Status)
	assert.Equal(t, "handler failed: boom", stored.Result)
}
