package auditstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds the configuration for the Firestore audit store.
type FirestoreConfig struct {
	ProjectID string
	// Collection names the audit collection, conventionally the worker
	// service's name.
	Collection      string
	CredentialsFile string // Optional
}

// FirestoreStore writes each audit record as a document keyed by the record
// ID, in a collection keyed by the service name.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore creates and connects a Firestore client for the store.
func NewFirestoreStore(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, errors.New("firestore config cannot be nil")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore store requires a project ID")
	}
	if cfg.Collection == "" {
		return nil, errors.New("firestore store requires a collection name")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: cfg.Collection,
		logger:     logger.With().Str("component", "FirestoreStore").Str("collection", cfg.Collection).Logger(),
	}, nil
}

// Insert creates the record document. A document that already exists is left
// untouched; the first write wins.
func (s *FirestoreStore) Insert(ctx context.Context, record *AuditRecord) error {
	_, err := s.client.Collection(s.collection).Doc(record.ID).Create(ctx, record)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			s.logger.Debug().Str("record_id", record.ID).Msg("Audit record already exists, keeping the first write.")
			return nil
		}
		return fmt.Errorf("failed to create audit record %q: %w", record.ID, err)
	}
	return nil
}

// Close closes the underlying Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
