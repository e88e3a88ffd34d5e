package liveness

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// logCommand is the replicated command shape, generalized from the
// teacher's slot-assignment LogCommand{Op,Key,Value} to the two commands a
// liveness registry needs.
type logCommand struct {
	Op        string `json:"op"`
	OwnerID   string `json:"owner_id"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix nanos
}

const (
	opHeartbeat  = "heartbeat"
	opDeregister = "deregister"
)

func marshalCommand(cmd logCommand) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("liveness: marshal command: %w", err)
	}
	return data, nil
}

// RaftFSM is the replicated state machine backing a cluster-wide liveness
// registry: every heartbeat and deregister is a Raft log entry, so the
// leader and all followers converge on the same owner-id → last-seen map
// and liveness survives a manager failover.
type RaftFSM struct {
	mu               sync.RWMutex
	lastSeen         map[string]time.Time
	lastAppliedIndex uint64
	log              *zap.Logger
}

func NewRaftFSM(log *zap.Logger) *RaftFSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &RaftFSM{lastSeen: make(map[string]time.Time), log: log}
}

func (f *RaftFSM) Apply(entry *raft.Log) interface{} {
	var cmd logCommand
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.log.Error("failed to unmarshal raft log entry", zap.Error(err))
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = entry.Index

	switch cmd.Op {
	case opHeartbeat:
		f.lastSeen[cmd.OwnerID] = time.Unix(0, cmd.Timestamp)
	case opDeregister:
		delete(f.lastSeen, cmd.OwnerID)
	default:
		f.log.Warn("unknown liveness command", zap.String("op", cmd.Op))
	}
	return nil
}

func (f *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := make(map[string]time.Time, len(f.lastSeen))
	for k, v := range f.lastSeen {
		snap[k] = v
	}
	return &raftFSMSnapshot{lastSeen: snap}, nil
}

func (f *RaftFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snapshotData struct {
		LastSeen map[string]time.Time `json:"last_seen"`
	}
	if err := json.NewDecoder(rc).Decode(&snapshotData); err != nil {
		return fmt.Errorf("liveness: decode fsm snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = snapshotData.LastSeen
	if f.lastSeen == nil {
		f.lastSeen = make(map[string]time.Time)
	}
	return nil
}

// isAlive is consulted by RaftRegistry, which owns the raft.Raft
// handle this FSM is attached to.
func (f *RaftFSM) isAlive(ownerID string, ttl time.Duration) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	last, ok := f.lastSeen[ownerID]
	if !ok {
		return false
	}
	return time.Since(last) <= ttl
}

type raftFSMSnapshot struct {
	lastSeen map[string]time.Time
}

func (s *raftFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()
	data, err := json.Marshal(struct {
		LastSeen map[string]time.Time `json:"last_seen"`
	}{LastSeen: s.lastSeen})
	if err != nil {
		return fmt.Errorf("liveness: marshal fsm snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		return fmt.Errorf("liveness: write fsm snapshot: %w", err)
	}
	return nil
}

func (s *raftFSMSnapshot) Release() {}
