package liveness

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/sushant-115/tablefate/pkg/logger"
)

// Default raft tuning, mirroring the teacher's transport constants.
const (
	RaftTransportMaxPool = 3
	RaftTransportTimeout = 10 * time.Second
	RaftSnapshotRetain   = 2
)

// ClusterConfig describes a peer in the liveness consensus group.
type ClusterConfig struct {
	// LocalID is this process's raft.ServerID, typically its owner_id.
	LocalID string
	// BindAddr is the local TCP address the raft transport listens on.
	BindAddr string
	// DataDir holds the raft log, stable store, and snapshots.
	DataDir string
	// Bootstrap starts a brand-new single-node cluster; set only on the
	// first node of a fresh deployment.
	Bootstrap bool
	// TTL is how long an owner is considered alive after its last
	// replicated heartbeat.
	TTL time.Duration
}

// RaftRegistry is a Registry whose state is replicated via hashicorp/raft,
// so a liveness record survives a manager failover — the same durability
// property the teacher gets from running its control-plane FSM
// (core/replication/raft_consensus in the teacher tree) across a consensus
// group, generalized here from slot assignments to heartbeat/deregister.
type RaftRegistry struct {
	fsm  *RaftFSM
	node *raft.Raft
	ttl  time.Duration
	log  *zap.Logger
}

// NewRaftRegistry starts (or joins, if Bootstrap is false and the caller
// adds this node as a voter out-of-band) a raft node backing a liveness
// FSM.
func NewRaftRegistry(cfg ClusterConfig, log *zap.Logger) (*RaftRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("liveness: create data dir %s: %w", cfg.DataDir, err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.LocalID)
	raftConfig.Logger = logger.NewZapRaftLogger(log.Named("raft"))

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("liveness: resolve bind addr %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, RaftTransportMaxPool, RaftTransportTimeout, raftConfig.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("liveness: create tcp transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, RaftSnapshotRetain, raftConfig.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("liveness: create snapshot store: %w", err)
	}

	boltPath := filepath.Join(cfg.DataDir, "liveness_raft.db")
	store, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("liveness: create bolt store at %s: %w", boltPath, err)
	}

	fsm := NewRaftFSM(log)
	node, err := raft.NewRaft(raftConfig, fsm, store, store, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("liveness: create raft node: %w", err)
	}

	if cfg.Bootstrap {
		bootstrapFuture := node.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: transport.LocalAddr()}},
		})
		if err := bootstrapFuture.Error(); err != nil {
			return nil, fmt.Errorf("liveness: bootstrap raft cluster: %w", err)
		}
	}

	return &RaftRegistry{fsm: fsm, node: node, ttl: cfg.TTL, log: log}, nil
}

// AddVoter adds a peer to the consensus group. Only the current leader's
// call takes effect; others return raft.ErrNotLeader.
func (r *RaftRegistry) AddVoter(id, addr string) error {
	f := r.node.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return f.Error()
}

func (r *RaftRegistry) Heartbeat(ownerID string) error {
	cmd := logCommand{Op: opHeartbeat, OwnerID: ownerID, Timestamp: time.Now().UnixNano()}
	return r.apply(cmd)
}

func (r *RaftRegistry) Deregister(ownerID string) error {
	cmd := logCommand{Op: opDeregister, OwnerID: ownerID}
	return r.apply(cmd)
}

func (r *RaftRegistry) IsAlive(ownerID string) bool {
	return r.fsm.isAlive(ownerID, r.ttl)
}

func (r *RaftRegistry) apply(cmd logCommand) error {
	if r.node.State() != raft.Leader {
		return fmt.Errorf("liveness: not leader")
	}
	data, err := marshalCommand(cmd)
	if err != nil {
		return err
	}
	future := r.node.Apply(data, RaftTransportTimeout)
	return future.Error()
}

// Shutdown gracefully leaves the consensus group.
func (r *RaftRegistry) Shutdown() error {
	return r.node.Shutdown().Error()
}
