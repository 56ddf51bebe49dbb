package auditstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryConfig holds the configuration for the BigQuery audit store.
type BigQueryConfig struct {
	DatasetID string
	// TableID names the audit table, conventionally derived from the worker
	// service's name.
	TableID string
}

// NewBigQueryClient creates a BigQuery client using Application Default
// Credentials unless a credentials file is provided.
func NewBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryStore streams audit records into a BigQuery table. The table is
// created on first use with a schema inferred from AuditRecord.
type BigQueryStore struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryStore verifies the target table, creating it with an inferred
// schema when missing. The client's lifecycle stays with the caller so one
// client can back several stores.
func NewBigQueryStore(ctx context.Context, client *bigquery.Client, cfg *BigQueryConfig, logger zerolog.Logger) (*BigQueryStore, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("bigquery config cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryStore").Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get audit table metadata: %w", err)
		}
		inferredSchema, inferErr := bigquery.InferSchema(AuditRecord{})
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer audit record schema: %w", inferErr)
		}
		if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: inferredSchema}); createErr != nil {
			return nil, fmt.Errorf("failed to create audit table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Msg("Audit table created with inferred schema.")
	}

	return &BigQueryStore{
		client:   client,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// Insert streams a single record.
func (s *BigQueryStore) Insert(ctx context.Context, record *AuditRecord) error {
	if err := s.inserter.Put(ctx, record); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				s.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed externally.
func (s *BigQueryStore) Close() error {
	return nil
}
