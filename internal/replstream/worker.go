// Package replstream implements the Stream Worker: one goroutine per
// active replication slot, owning a single logical replication
// connection from startup through decode, assembly, persistence, and
// standby feedback.
package replstream

import (
	"context"
	"time"

	"github.com/mchavezi/smartcdc-backend/internal/archive"
	"github.com/mchavezi/smartcdc-backend/internal/log"
	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/storage/checkpoint"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

// Timing configures the worker's polling and retry behavior. Zero
// values are replaced with the spec's defaults by New.
type Timing struct {
	FeedbackInterval time.Duration // max delay between standby status updates
	ReconnectBackoff time.Duration // base back-off after a replication error
	ReadTimeout      time.Duration // socket read deadline; not applied by the stream loop, whose reads are bounded by the next feedback deadline
}

func (t Timing) withDefaults() Timing {
	if t.FeedbackInterval == 0 {
		t.FeedbackInterval = 10 * time.Second
	}
	if t.ReconnectBackoff == 0 {
		t.ReconnectBackoff = 20 * time.Second
	}
	if t.ReadTimeout == 0 {
		t.ReadTimeout = 30 * time.Second
	}
	return t
}

// Worker owns one logical replication connection for the lifetime of
// its RunFlag. It never shares mutable state with any other Worker.
type Worker struct {
	descriptor types.SlotDescriptor
	runFlag    *types.RunFlag
	timing     Timing

	archiveStore *archive.Store
	checkpoints  *checkpoint.Cache
}

// New returns a Worker for one slot descriptor. checkpoints may be
// nil, in which case persisted flush LSNs are not recorded locally;
// either way the worker starts from the slot's own confirmed position.
func New(descriptor types.SlotDescriptor, runFlag *types.RunFlag, archiveStore *archive.Store, checkpoints *checkpoint.Cache, timing Timing) *Worker {
	return &Worker{
		descriptor:   descriptor,
		runFlag:      runFlag,
		timing:       timing.withDefaults(),
		archiveStore: archiveStore,
		checkpoints:  checkpoints,
	}
}

// Run blocks until the RunFlag is cleared or ctx is done. Replication
// transport errors are retried from Startup with ReconnectBackoff;
// per-event and per-connection errors never propagate out of Run.
func (w *Worker) Run(ctx context.Context) {
	logger := log.WithSlot(w.descriptor.DBID, w.descriptor.SlotName)
	metrics.WorkersRunning.Inc()
	defer metrics.WorkersRunning.Dec()

	for w.runFlag.IsSet() {
		if err := w.stream(ctx, logger); err != nil {
			metrics.WorkerReconnectsTotal.WithLabelValues(w.descriptor.DBID).Inc()
			logger.Error().Err(err).Msg("replication session ended; backing off before reconnect")
			select {
			case <-time.After(w.timing.ReconnectBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		// stream returned nil only because the run_flag was cleared or
		// ctx was cancelled. A cleared run_flag ends the loop here; a
		// cancelled ctx makes the next stream call fail, and the
		// backoff select above then returns.
	}
	logger.Info().Msg("run_flag cleared; worker exiting")
}
