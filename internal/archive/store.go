// Package archive persists types.ChangeEvent batches to the archive
// store. One AppendBatch call is one commit's worth of events,
// written inside a single transaction so a partial batch is never
// visible to a downstream reader.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

// Config holds the connection parameters for the archive store.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int32
}

// Store writes ChangeEvent batches to the archive store's change_events table.
type Store struct {
	pool *pgxpool.Pool
}

func buildConnString(cfg Config) string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
	)
}

// Open connects to the archive store and verifies reachability.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(buildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse archive connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const insertEventSQL = `
INSERT INTO change_events (
	id, wal_pipeline_id, commit_lsn, seq, record_pks, record, data, changes,
	action, committed_at, source_table_oid, source_table_schema, source_table_name, inserted_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
`

// AppendBatch writes every event in one commit's batch inside a
// single transaction. A failure here is, per the error-handling
// taxonomy, fatal for the current commit: the caller (Stream Worker)
// must not advance feedback and should retry from Startup after
// RECONNECT_BACKOFF.
func (s *Store) AppendBatch(ctx context.Context, dbID string, events []types.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitBatchDuration)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.ArchiveWriteFailuresTotal.WithLabelValues(dbID).Inc()
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once Commit succeeds

	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			metrics.ArchiveWriteFailuresTotal.WithLabelValues(dbID).Inc()
			return fmt.Errorf("insert change event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.ArchiveWriteFailuresTotal.WithLabelValues(dbID).Inc()
		return fmt.Errorf("commit archive transaction: %w", err)
	}

	metrics.EventsPersistedTotal.WithLabelValues(dbID).Add(float64(len(events)))
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev types.ChangeEvent) error {
	record, err := json.Marshal(ev.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	var changes []byte
	if ev.Changes != nil {
		changes, err = json.Marshal(ev.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
	}

	_, err = tx.Exec(ctx, insertEventSQL,
		ev.ID, ev.WALPipelineID, ev.CommitLSN, ev.Seq, ev.RecordPKs, record, data, changes,
		string(ev.Action), ev.CommittedAt, ev.SourceTableOID, ev.SourceTableSchema, ev.SourceTableName,
	)
	return err
}
