// Package controlplane reads the set of active replication slots
// from the control-plane database: the postgres_databases table
// joined to postgres_replication_slots. The Supervisor polls this
// package on CHECK_INTERVAL to compute its desired worker set.
package controlplane

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

// Config holds the connection parameters for the control-plane store.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int32
}

// Store reads slot descriptors from the control-plane database.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the control-plane database and verifies
// reachability with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(buildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse control-plane connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 5
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create control-plane pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping control-plane store: %w", err)
	}

	return &Store{pool: pool}, nil
}

func buildConnString(cfg Config) string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const listActiveSlotsQuery = `
SELECT
	d.id, d.db_name, d.hostname, d.port, d.username, d.password,
	s.id, s.slot_name, s.publication_name
FROM postgres_replication_slots s
JOIN postgres_databases d ON d.id = s.postgres_database_id
WHERE s.status = 'active'
ORDER BY d.id, s.slot_name
`

// ListActiveSlots returns every replication slot whose status is
// 'active', joined with its owning database's connection parameters.
// Errors are returned to the caller (the Supervisor), which per the
// error-handling taxonomy logs and retains the existing worker set
// rather than treating this as fatal.
func (s *Store) ListActiveSlots(ctx context.Context) ([]types.SlotDescriptor, error) {
	rows, err := s.pool.Query(ctx, listActiveSlotsQuery)
	if err != nil {
		return nil, fmt.Errorf("query active replication slots: %w", err)
	}
	defer rows.Close()

	var descriptors []types.SlotDescriptor
	for rows.Next() {
		var (
			dbID, dbName, hostname, username, password string
			port                                        int
			walPipelineID, slotName, publicationName    string
		)
		if err := rows.Scan(&dbID, &dbName, &hostname, &port, &username, &password,
			&walPipelineID, &slotName, &publicationName); err != nil {
			return nil, fmt.Errorf("scan replication slot row: %w", err)
		}
		descriptors = append(descriptors, types.SlotDescriptor{
			DBID: dbID,
			Connection: types.ConnectionConfig{
				Host:     hostname,
				Port:     port,
				Database: dbName,
				User:     username,
				Password: password,
			},
			SlotName:        slotName,
			PublicationName: publicationName,
			WALPipelineID:   walPipelineID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replication slot rows: %w", err)
	}

	metrics.DesiredSlots.Set(float64(len(descriptors)))
	return descriptors, nil
}
