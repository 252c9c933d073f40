// Package leaderelect elects a single active Supervisor among a pool
// of WAL listener core replicas using hashicorp/raft. Only one
// replica's Supervisor should run Stream Workers against a given set
// of replication slots at a time; the others stand by so that a
// process crash or redeploy fails over without two workers opening
// the same logical replication slot (Postgres already serializes
// that at the slot level, but losing the race wastes a connection
// attempt and a RECONNECT_BACKOFF cycle).
//
// The FSM carries no replicated state of its own — leadership is the
// only fact the core needs — so Apply/Snapshot/Restore are no-ops.
package leaderelect

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/mchavezi/smartcdc-backend/internal/log"
	"github.com/mchavezi/smartcdc-backend/internal/metrics"
)

// Config configures one replica's participation in the election.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Peers lists the other replicas' (NodeID, BindAddr) pairs for
	// cluster bootstrap. A single-element Peers (just this node) is a
	// valid single-instance deployment.
	Peers []raft.Server
}

// Election wraps a raft.Raft instance whose only purpose is leader
// election: IsLeader reports whether this process currently holds the
// lease.
type Election struct {
	nodeID string
	raft   *raft.Raft
}

// Bootstrap starts the raft subsystem and bootstraps the cluster
// configuration from cfg.Peers. Timeouts are tuned for LAN-local
// replica pools, not WAN quorums: the default failover window is a
// few seconds, well inside FEEDBACK_INTERVAL.
func Bootstrap(cfg Config) (*Election, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	fsm := &noopFSM{}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	servers := cfg.Peers
	if len(servers) == 0 {
		servers = []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
	}
	future := r.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	return &Election{nodeID: cfg.NodeID, raft: r}, nil
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Election) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// Watch runs until stopCh closes, updating the IsLeader gauge and
// logging every transition. The Supervisor reads IsLeader() directly
// on each reconcile tick rather than subscribing here, since a stale
// leadership read is self-correcting within one CHECK_INTERVAL.
func (e *Election) Watch(stopCh <-chan struct{}) {
	logger := log.WithComponent("leaderelect")
	for {
		select {
		case isLeader := <-e.raft.LeaderCh():
			if isLeader {
				metrics.IsLeader.Set(1)
				logger.Info().Str("node_id", e.nodeID).Msg("acquired supervisor leadership")
			} else {
				metrics.IsLeader.Set(0)
				logger.Info().Str("node_id", e.nodeID).Msg("lost supervisor leadership")
			}
		case <-stopCh:
			return
		}
	}
}

// Shutdown releases the raft node.
func (e *Election) Shutdown() error {
	return e.raft.Shutdown().Error()
}

// noopFSM satisfies raft.FSM without replicating any application
// state: this election only cares who the leader is.
type noopFSM struct{}

func (f *noopFSM) Apply(*raft.Log) interface{} { return nil }

func (f *noopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}

func (f *noopFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}
