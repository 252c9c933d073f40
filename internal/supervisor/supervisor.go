// Package supervisor reconciles the set of active replication slots
// read from the control-plane store against the set of currently
// running Stream Workers, starting, stopping, and restarting workers
// as needed. It is an explicit object with a mutex-guarded handle
// table rather than process-global state.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mchavezi/smartcdc-backend/internal/archive"
	"github.com/mchavezi/smartcdc-backend/internal/events"
	"github.com/mchavezi/smartcdc-backend/internal/log"
	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/replstream"
	"github.com/mchavezi/smartcdc-backend/internal/storage/checkpoint"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

// LeaderChecker reports whether this process instance currently holds
// the Supervisor leadership lease. In a single-instance deployment a
// checker that always returns true satisfies this interface trivially.
type LeaderChecker interface {
	IsLeader() bool
}

// SlotLister reads the desired set of active replication slots.
// *controlplane.Store satisfies this.
type SlotLister interface {
	ListActiveSlots(ctx context.Context) ([]types.SlotDescriptor, error)
}

// Config configures a Supervisor's dependencies and timing.
type Config struct {
	ControlPlane  SlotLister
	ArchiveStore  *archive.Store
	Checkpoints   *checkpoint.Cache // optional
	Leader        LeaderChecker     // optional; nil means always leader
	CheckInterval time.Duration
	WorkerTiming  replstream.Timing
	EventBroker   *events.Broker // optional
}

// Supervisor owns the worker handle table and the reconcile loop.
// Nothing besides this table is shared mutable state between workers.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]*types.WorkerHandle // keyed by db_id

	stopCh chan struct{}
}

// New returns a Supervisor with an empty handle table.
func New(cfg Config) *Supervisor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 3 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  log.WithComponent("supervisor"),
		workers: make(map[string]*types.WorkerHandle),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconcile loop in its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the reconcile loop and clears every running worker's
// run_flag so each Stream Worker exits at its next poll point.
func (s *Supervisor) Stop() {
	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.workers {
		h.RunFlag.Clear()
	}
}

func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("supervisor reconcile loop started")

	for {
		select {
		case <-ticker.C:
			s.reconcile(ctx)
		case <-s.stopCh:
			s.logger.Info().Msg("supervisor reconcile loop stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcile polls the control-plane store for the desired slot set
// and diffs it against the running worker table. A control-plane
// store error is logged and the existing worker set is retained
// unchanged; this is the only error class reconcile surfaces, per the
// error-handling taxonomy's "Control-plane store error in Supervisor"
// case.
func (s *Supervisor) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	if s.cfg.Leader != nil && !s.cfg.Leader.IsLeader() {
		return
	}

	desired, err := s.cfg.ControlPlane.ListActiveSlots(ctx)
	if err != nil {
		metrics.ReconciliationFailuresTotal.Inc()
		s.logger.Error().Err(err).Msg("failed to read control-plane store; retaining existing workers")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	desiredByDBID := make(map[string]types.SlotDescriptor, len(desired))
	for _, d := range desired {
		desiredByDBID[d.DBID] = d
	}

	// Stop workers for slots no longer active, and restart workers
	// whose descriptor changed underneath them.
	for dbID, handle := range s.workers {
		d, stillDesired := desiredByDBID[dbID]
		if !stillDesired {
			s.stopWorkerLocked(dbID, handle, "slot no longer active")
			continue
		}
		if !d.Equal(handle.Descriptor) {
			s.stopWorkerLocked(dbID, handle, "slot descriptor changed")
			s.startWorkerLocked(ctx, d)
		}
	}

	// Start workers for newly-desired slots.
	for dbID, d := range desiredByDBID {
		if _, running := s.workers[dbID]; !running {
			s.startWorkerLocked(ctx, d)
		}
	}
}

// NotifyNewSlot starts a worker immediately for a newly-registered
// slot rather than waiting for the next reconcile tick. It is the
// in-process equivalent of the control plane's notify_new_slot call.
func (s *Supervisor) NotifyNewSlot(ctx context.Context, descriptor types.SlotDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.workers[descriptor.DBID]; ok {
		if existing.Descriptor.Equal(descriptor) {
			return
		}
		s.stopWorkerLocked(descriptor.DBID, existing, "descriptor changed via notify_new_slot")
	}
	s.startWorkerLocked(ctx, descriptor)
}

// Status returns a snapshot of every currently running worker's
// descriptor, for the HTTP control surface.
func (s *Supervisor) Status() []types.SlotDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SlotDescriptor, 0, len(s.workers))
	for _, h := range s.workers {
		out = append(out, h.Descriptor)
	}
	return out
}

func (s *Supervisor) startWorkerLocked(ctx context.Context, descriptor types.SlotDescriptor) {
	runFlag := types.NewRunFlag()
	done := make(chan struct{})

	worker := replstream.New(descriptor, runFlag, s.cfg.ArchiveStore, s.cfg.Checkpoints, s.cfg.WorkerTiming)
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	s.workers[descriptor.DBID] = &types.WorkerHandle{
		Descriptor: descriptor,
		RunFlag:    runFlag,
		Done:       done,
	}

	s.logger.Info().Str("db_id", descriptor.DBID).Str("slot_name", descriptor.SlotName).Msg("started stream worker")
	s.publish(events.TypeWorkerStarted, descriptor.DBID, "worker started")
}

func (s *Supervisor) stopWorkerLocked(dbID string, handle *types.WorkerHandle, reason string) {
	handle.RunFlag.Clear()
	delete(s.workers, dbID)
	s.logger.Info().Str("db_id", dbID).Str("reason", reason).Msg("stopped stream worker")
	s.publish(events.TypeWorkerStopped, dbID, reason)
}

func (s *Supervisor) publish(t events.Type, dbID, message string) {
	if s.cfg.EventBroker == nil {
		return
	}
	s.cfg.EventBroker.Publish(&events.Event{Type: t, DBID: dbID, Message: message})
}
