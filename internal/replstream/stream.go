package replstream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/mchavezi/smartcdc-backend/internal/assembler"
	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/protocol"
)

// stream runs one Startup-through-streaming session: connect, resolve
// the replication origin, START_REPLICATION, then loop decoding
// XLogData until the run_flag clears, ctx is cancelled, or a
// transport error occurs.
func (w *Worker) stream(ctx context.Context, logger zerolog.Logger) error {
	conn, startLSN, err := w.startup(ctx, logger)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	asm := assembler.New(w.descriptor.DBID, w.descriptor.WALPipelineID)

	// clientXLogPos is the flush position sent upstream: it may only
	// advance to an LSN whose events are durably persisted in the
	// archive store (spec §5/§8 property 3). serverWALEnd tracks the
	// server's reported WAL position purely for lag logging/metrics
	// and is never fed back as the flush LSN.
	clientXLogPos := startLSN
	serverWALEnd := startLSN
	standbyTimeout := w.timing.FeedbackInterval
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for w.runFlag.IsSet() {
		if time.Now().After(nextStandbyDeadline) {
			if err := w.sendStandbyStatus(ctx, conn, clientXLogPos); err != nil {
				return fmt.Errorf("send standby status update: %w", err)
			}
			metrics.FeedbackLSN.WithLabelValues(w.descriptor.DBID).Set(float64(clientXLogPos))
			metrics.ReplicationLagBytes.WithLabelValues(w.descriptor.DBID).Set(float64(serverWALEnd - clientXLogPos))
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("postgres replication error: %s", errMsg.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse primary keepalive: %w", err)
			}
			if pkm.ServerWALEnd > serverWALEnd {
				serverWALEnd = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse XLogData: %w", err)
			}

			if xld.WALStart > serverWALEnd {
				serverWALEnd = xld.WALStart
			}
			newPos, err := w.handleWALData(ctx, asm, xld.WALData, logger)
			if err != nil {
				return err
			}
			if newPos > clientXLogPos {
				clientXLogPos = newPos
			}
		}
	}
	return nil
}

// handleWALData decodes one message's payload, feeds it to the
// assembler, and persists any events the assembler emits (i.e. the
// message closed a transaction). It returns the LSN feedback should
// advance to, or 0 if nothing was persisted this call — the caller
// only raises clientXLogPos, never lowers it. A non-nil error means the
// archive write failed and the session must end.
func (w *Worker) handleWALData(ctx context.Context, asm *assembler.Assembler, walData []byte, logger zerolog.Logger) (pglogrepl.LSN, error) {
	msg := protocol.Decode(walData)
	tag := messageTag(msg)
	metrics.DecodedMessagesTotal.WithLabelValues(tag).Inc()

	events := asm.Feed(msg)
	if len(events) == 0 {
		return 0, nil
	}

	if w.archiveStore == nil {
		logger.Warn().Int("event_count", len(events)).Msg("no archive store configured; dropping commit batch")
		return 0, nil
	}

	if err := w.archiveStore.AppendBatch(ctx, w.descriptor.DBID, events); err != nil {
		// Archive-store write failure is fatal for this commit batch
		// per the error taxonomy: don't advance feedback, surface the
		// error so stream() returns and Run backs off and retries.
		logger.Error().Err(err).Msg("archive write failed; feedback will not advance for this commit")
		return 0, fmt.Errorf("append commit batch: %w", err)
	}

	// The commit's end_lsn, not its commit_lsn, is the safe feedback
	// point: it's the WAL position immediately after this transaction,
	// so acknowledging it tells Postgres every byte up to and
	// including this now-persisted commit may be reclaimed.
	endLSN := events[0].EndLSN
	if w.checkpoints != nil {
		if err := w.checkpoints.SetFlushLSN(w.descriptor.DBID, w.descriptor.SlotName, endLSN); err != nil {
			logger.Warn().Err(err).Msg("failed to update local checkpoint cache")
		}
	}
	return pglogrepl.LSN(endLSN), nil
}

func messageTag(msg protocol.Message) string {
	switch msg.(type) {
	case protocol.Begin:
		return "begin"
	case protocol.Commit:
		return "commit"
	case protocol.Relation:
		return "relation"
	case protocol.Insert:
		return "insert"
	case protocol.Update:
		return "update"
	case protocol.Delete:
		return "delete"
	case protocol.Truncate:
		return "truncate"
	case protocol.LogicalMessage:
		return "message"
	default:
		return "malformed"
	}
}

func (w *Worker) sendStandbyStatus(ctx context.Context, conn *pgconn.PgConn, pos pglogrepl.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: pos})
}
