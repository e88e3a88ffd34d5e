// Package tableops provides two small, illustrative operations exercising
// the full step protocol end to end: CreateTable and CloneTable, grounded
// in the source's org.apache.accumulo.manager.tableOps.clone.CloneTable and
// its sibling create-table chain.
package tableops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sushant-115/tablefate/core/fate/fateid"
	"github.com/sushant-115/tablefate/core/fate/step"
)

func init() {
	step.DefaultRegistry.Register(tagReserveNamespace, decodeReserveNamespace)
	step.DefaultRegistry.Register(tagAllocateTableID, decodeAllocateTableID)
	step.DefaultRegistry.Register(tagWriteTableConfig, decodeWriteTableConfig)
	step.DefaultRegistry.Register(tagPopulateMetadata, decodePopulateMetadata)
}

// CreateTableInfo carries the parameters and accumulated state of a
// CreateTable chain across every step (the analogue of the source's
// TableInfo passed between Repo objects).
type CreateTableInfo struct {
	NamespaceID string            `json:"namespace_id"`
	TableName   string            `json:"table_name"`
	Properties  map[string]string `json:"properties,omitempty"`
	TableID     string            `json:"table_id,omitempty"`
}

// NewCreateTable builds the first step of the CreateTable chain:
// ReserveNamespace -> AllocateTableID -> WriteTableConfig -> PopulateMetadata -> nil.
func NewCreateTable(namespaceID, tableName string, properties map[string]string) step.Step {
	return &reserveNamespace{Info: CreateTableInfo{NamespaceID: namespaceID, TableName: tableName, Properties: properties}}
}

const tagReserveNamespace = "tableops.ReserveNamespace"

// reserveNamespace acquires a write lock on the destination namespace before
// any table id is minted, mirroring CloneTable.isReady's reserveNamespace
// call.
type reserveNamespace struct {
	Info CreateTableInfo `json:"info"`
}

func (s *reserveNamespace) Name() string { return tagReserveNamespace }

func (s *reserveNamespace) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	if err := env.Tables().ReserveNamespace(s.Info.NamespaceID, true); err != nil {
		return 500, nil
	}
	return 0, nil
}

func (s *reserveNamespace) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	return &allocateTableID{Info: s.Info}, nil
}

func (s *reserveNamespace) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return env.Tables().UnreserveNamespace(s.Info.NamespaceID, true)
}

func decodeReserveNamespace(version int, payload json.RawMessage) (step.Step, error) {
	var s reserveNamespace
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagReserveNamespace, err)
	}
	return &s, nil
}

const tagAllocateTableID = "tableops.AllocateTableID"

// allocateTableID mints the new table's id and registers its name,
// mirroring CloneTable.call's Utils.getIdLock()-guarded Utils.getNextId.
type allocateTableID struct {
	Info CreateTableInfo `json:"info"`
}

func (s *allocateTableID) Name() string { return tagAllocateTableID }

func (s *allocateTableID) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}

func (s *allocateTableID) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	if s.Info.TableID == "" {
		tableID, err := env.Tables().NextTableID(s.Info.TableName)
		if err != nil {
			return nil, step.NewAcceptable(fmt.Sprintf("allocate table id for %q", s.Info.TableName), err)
		}
		if err := env.Names().Register(s.Info.TableName, tableID); err != nil {
			return nil, fmt.Errorf("tableops: register name %q: %w", s.Info.TableName, err)
		}
		s.Info.TableID = tableID
	}
	return &writeTableConfig{Info: s.Info}, nil
}

// Undo has nothing of its own to reverse: the namespace lock belongs to
// reserveNamespace, and a registered name is left in place rather than
// un-registered, matching the source's tolerance for an id that was
// allocated but never became a visible table.
func (s *allocateTableID) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return nil
}

func decodeAllocateTableID(version int, payload json.RawMessage) (step.Step, error) {
	var s allocateTableID
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagAllocateTableID, err)
	}
	return &s, nil
}

const tagWriteTableConfig = "tableops.WriteTableConfig"

// writeTableConfig is the step that would durably persist the caller's
// requested properties against the new table id in a real table-store's
// own configuration service. It only needs Call; Ready has nothing to
// check once the id is allocated.
type writeTableConfig struct {
	Info CreateTableInfo `json:"info"`
}

func (s *writeTableConfig) Name() string { return tagWriteTableConfig }

func (s *writeTableConfig) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}

func (s *writeTableConfig) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	return &populateMetadata{Info: s.Info}, nil
}

func (s *writeTableConfig) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return nil
}

func decodeWriteTableConfig(version int, payload json.RawMessage) (step.Step, error) {
	var s writeTableConfig
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagWriteTableConfig, err)
	}
	return &s, nil
}

const tagPopulateMetadata = "tableops.PopulateMetadata"

// populateMetadata is the chain's terminal step: it releases the namespace
// lock and leaves the new table id as the transaction's return value.
type populateMetadata struct {
	Info CreateTableInfo `json:"info"`
}

func (s *populateMetadata) Name() string { return tagPopulateMetadata }

func (s *populateMetadata) Ready(ctx context.Context, id fateid.FateID, env step.Env) (int64, error) {
	return 0, nil
}

func (s *populateMetadata) Call(ctx context.Context, id fateid.FateID, env step.Env) (step.Step, error) {
	if err := env.Tables().UnreserveNamespace(s.Info.NamespaceID, true); err != nil {
		return nil, fmt.Errorf("tableops: unreserve namespace %q: %w", s.Info.NamespaceID, err)
	}
	return nil, nil
}

func (s *populateMetadata) Undo(ctx context.Context, id fateid.FateID, env step.Env) error {
	return nil
}

func (s *populateMetadata) ReturnValue() string { return s.Info.TableID }

func decodePopulateMetadata(version int, payload json.RawMessage) (step.Step, error) {
	var s populateMetadata
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("tableops: decode %s: %w", tagPopulateMetadata, err)
	}
	return &s, nil
}
