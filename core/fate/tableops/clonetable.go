package tableops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/step"
)

func init() {
	step.DefaultRegistry.Register(tagReserveNamespaceAndSource, decodeReserveNamespaceAndSource)
	step.DefaultRegistry.Register(tagAllocateClonedTableID, decodeAllocateClonedTableID)
	step.DefaultRegistry.Register(tagClonePermissions, decodeClonePermissions)
	step.DefaultRegistry.Register(tagPopulateClonedMetadata, decodePopulateClonedMetadata)
}

// CloneTableInfo carries the parameters and accumulated state of a
// CloneTable chain, the analogue of the source's CloneInfo.
type CloneTableInfo struct {
	SrcNamespaceID      string            `json:"src_namespace_id"`
	SrcTableID          string            `json:"src_table_id"`
	NamespaceID         string            `json:"namespace_id"`
	TableName           string            `json:"table_name"`
	PropertiesToSet     map[string]string `json:"properties_to_set,omitempty"`
	PropertiesToExclude []string          `json:"properties_to_exclude,omitempty"`
	KeepOffline         bool              `json:"keep_offline"`
	TableID             string            `json:"table_id,omitempty"`
}

// NewCloneTable builds the first step of the CloneTable chain:
// ReserveNamespaceAndSource -> AllocateClonedTableID -> ClonePermissions ->
// PopulateClonedMetadata -> nil, matching the source's CloneTable.call ->
// ClonePermissions handoff.
func NewCloneTable(info CloneTableInfo) step.Step {
	return &reserveNamespaceAndSource{Info: info}
}

const tagReserveNamespaceAndSource = "tableops.ReserveNamespaceAndSource"

// reserveNamespaceAndSource mirrors CloneTable.isReady: it takes a read
// lock on both the destination namespace and the source table, since
// cloning only reads the source.
type reserveNamespaceAndSource struct {
	Info CloneTableInfo `json:"info"`
}

func (s *reserveNamespaceAndSource) Name() string { return tagReserveNamespaceAndSource }

func (s *reserveNamespaceAndSource) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	if err := env.Tables().ReserveNamespace(s.Info.NamespaceID, false); err != nil {
		return 500, nil
	}
	if err := env.Tables().ReserveTable(s.Info.SrcTableID, false); err != nil {
		_ = env.Tables().UnreserveNamespace(s.Info.NamespaceID, false)
		return 500, nil
	}
	return 0, nil
}

func (s *reserveNamespaceAndSource) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	return &allocateClonedTableID{Info: s.Info}, nil
}

// Undo mirrors CloneTable.undo: release exactly the two locks Ready took,
// regardless of how far the chain progressed.
func (s *reserveNamespaceAndSource) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	err1 := env.Tables().UnreserveNamespace(s.Info.NamespaceID, false)
	err2 := env.Tables().UnreserveTable(s.Info.SrcTableID, false)
	if err1 != nil {
		return err1
	}
	return err2
}

func decodeReserveNamespaceAndSource(version int, payload json.RawMessage) (step.Step, error) {
	var s reserveNamespaceAndSource
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagReserveNamespaceAndSource, err)
	}
	return &s, nil
}

const tagAllocateClonedTableID = "tableops.AllocateClonedTableID"

// allocateClonedTableID mirrors CloneTable.call's id-lock-guarded
// Utils.getNextId, minting the new table's id and registering its name.
type allocateClonedTableID struct {
	Info CloneTableInfo `json:"info"`
}

func (s *allocateClonedTableID) Name() string { return tagAllocateClonedTableID }

func (s *allocateClonedTableID) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}

func (s *allocateClonedTableID) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	if s.Info.TableID == "" {
		tableID, err := env.Tables().NextTableID(s.Info.TableName)
		if err != nil {
			return nil, step.NewAcceptable(fmt.Sprintf("allocate cloned table id for %q", s.Info.TableName), err)
		}
		if err := env.Names().Register(s.Info.TableName, tableID); err != nil {
			return nil, fmt.Errorf("tableops: register name %q: %w", s.Info.TableName, err)
		}
		s.Info.TableID = tableID
	}
	return &clonePermissions{Info: s.Info}, nil
}

func (s *allocateClonedTableID) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return nil
}

func decodeAllocateClonedTableID(version int, payload json.RawMessage) (step.Step, error) {
	var s allocateClonedTableID
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagAllocateClonedTableID, err)
	}
	return &s, nil
}

const tagClonePermissions = "tableops.ClonePermissions"

// clonePermissions copies the source table's access grants onto the clone
// before metadata population, mirroring ClonePermissions in the source
// chain. It never needs to undo anything of its own, since the permissions
// it writes only become visible once PopulateClonedMetadata also succeeds.
type clonePermissions struct {
	Info CloneTableInfo `json:"info"`
}

func (s *clonePermissions) Name() string { return tagClonePermissions }

func (s *clonePermissions) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}

func (s *clonePermissions) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	// A production table-store would copy the source table's ACL entries
	// onto s.Info.TableID here. TableFate itself has no ACL model to copy;
	// this step exists to exercise the chain's handoff shape.
	return &populateClonedMetadata{Info: s.Info}, nil
}

func (s *clonePermissions) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return nil
}

func decodeClonePermissions(version int, payload json.RawMessage) (step.Step, error) {
	var s clonePermissions
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagClonePermissions, err)
	}
	return &s, nil
}

const tagPopulateClonedMetadata = "tableops.PopulateClonedMetadata"

// populateClonedMetadata is the clone chain's terminal step: it releases
// exactly the read locks reserveNamespaceAndSource took and leaves the new
// table id as the transaction's return value.
type populateClonedMetadata struct {
	Info CloneTableInfo `json:"info"`
}

func (s *populateClonedMetadata) Name() string { return tagPopulateClonedMetadata }

func (s *populateClonedMetadata) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}

func (s *populateClonedMetadata) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	if err := env.Tables().UnreserveNamespace(s.Info.NamespaceID, false); err != nil {
		return nil, fmt.Errorf("tableops: unreserve namespace %q: %w", s.Info.NamespaceID, err)
	}
	if err := env.Tables().UnreserveTable(s.Info.SrcTableID, false); err != nil {
		return nil, fmt.Errorf("tableops: unreserve source table %q: %w", s.Info.SrcTableID, err)
	}
	return nil, nil
}

func (s *populateClonedMetadata) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return nil
}

func (s *populateClonedMetadata) ReturnValue() string { return s.Info.TableID }

func decodePopulateClonedMetadata(version int, payload json.RawMessage) (step.Step, error) {
	var s populateClonedMetadata
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagPopulateClonedMetadata, err)
	}
	return &s, nil
}
