package replstream

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/mchavezi/smartcdc-backend/internal/types"
)

func connString(cfg types.ConnectionConfig, replication bool) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password)
	if replication {
		s += " replication=database"
	}
	return s
}

// startup performs the Stream Worker's connection sequence: resolve
// and, if necessary, evict a conflicting slot holder, open the
// replication connection, and compute the LSN to start streaming
// from (the slot's own confirmed position if present, else 0/0, which
// Postgres also resolves to the slot's confirmed position).
func (w *Worker) startup(ctx context.Context, logger zerolog.Logger) (*pgconn.PgConn, pglogrepl.LSN, error) {
	if err := w.resolveSlotOccupancy(ctx, logger); err != nil {
		return nil, 0, fmt.Errorf("resolve slot occupancy: %w", err)
	}

	conn, err := pgconn.Connect(ctx, connString(w.descriptor.Connection, true))
	if err != nil {
		return nil, 0, fmt.Errorf("connect replication stream: %w", err)
	}

	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, 0, fmt.Errorf("IDENTIFY_SYSTEM: %w", err)
	}

	// The checkpoint cache is never consulted here: it exists to let a
	// Stream Worker report a sensible feedback position quickly after
	// restart, not to pick the replication start point. The slot's own
	// confirmed_flush_lsn is Postgres's authoritative record of what
	// has already been streamed and acknowledged; the local cache
	// could be stale or from a different slot incarnation entirely.
	var startLSN pglogrepl.LSN
	if confirmed, ok, err := w.confirmedFlushLSN(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to read slot's confirmed_flush_lsn; starting from 0/0")
	} else if ok {
		startLSN = confirmed
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", w.descriptor.PublicationName),
	}
	if err := pglogrepl.StartReplication(ctx, conn, w.descriptor.SlotName, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		conn.Close(ctx)
		return nil, 0, fmt.Errorf("START_REPLICATION: %w", err)
	}

	logger.Info().Str("start_lsn", startLSN.String()).Msg("replication stream started")
	return conn, startLSN, nil
}

// resolveSlotOccupancy terminates any backend currently holding this
// slot. Postgres allows only one active consumer per logical slot;
// a worker restart after a crash can find its own previous session
// still registered as active until the server notices the dead
// socket. If termination fails the error propagates, ending this
// Worker.Run iteration; the caller's backoff-and-retry loop (and, at
// the Supervisor level, the next reconcile) will try again.
func (w *Worker) resolveSlotOccupancy(ctx context.Context, logger zerolog.Logger) error {
	conn, err := pgx.Connect(ctx, connString(w.descriptor.Connection, false))
	if err != nil {
		return fmt.Errorf("connect for slot occupancy check: %w", err)
	}
	defer conn.Close(ctx)

	var activePID *int32
	err = conn.QueryRow(ctx,
		`SELECT active_pid FROM pg_replication_slots WHERE slot_name = $1`,
		w.descriptor.SlotName,
	).Scan(&activePID)
	if err == pgx.ErrNoRows {
		return nil // slot doesn't exist yet; nothing to evict
	}
	if err != nil {
		return fmt.Errorf("query pg_replication_slots: %w", err)
	}
	if activePID == nil {
		return nil
	}

	logger.Warn().Int32("active_pid", *activePID).Msg("slot occupied by another backend; terminating it")
	var terminated bool
	if err := conn.QueryRow(ctx, `SELECT pg_terminate_backend($1)`, *activePID).Scan(&terminated); err != nil {
		return fmt.Errorf("pg_terminate_backend(%d): %w", *activePID, err)
	}
	if !terminated {
		return fmt.Errorf("pg_terminate_backend(%d) returned false", *activePID)
	}
	return nil
}

func (w *Worker) confirmedFlushLSN(ctx context.Context) (pglogrepl.LSN, bool, error) {
	conn, err := pgx.Connect(ctx, connString(w.descriptor.Connection, false))
	if err != nil {
		return 0, false, err
	}
	defer conn.Close(ctx)

	var confirmed *string
	err = conn.QueryRow(ctx,
		`SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`,
		w.descriptor.SlotName,
	).Scan(&confirmed)
	if err == pgx.ErrNoRows || confirmed == nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	lsn, err := pglogrepl.ParseLSN(*confirmed)
	if err != nil {
		return 0, false, fmt.Errorf("parse confirmed_flush_lsn %q: %w", *confirmed, err)
	}
	return lsn, true, nil
}
