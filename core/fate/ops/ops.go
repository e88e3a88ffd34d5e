// Package ops defines the closed enumeration of administrative operation
// kinds TableFate can drive (§6). Each kind is either exportable over a
// wire protocol (if the surrounding table-store manager has one for it) or
// internal-only, in which case attempting to export it is an error.
package ops

import "fmt"

// FateOperation is the declared operation kind recorded in a transaction's
// FATE_OP info field at seed time.
type FateOperation int

const (
	CommitCompaction FateOperation = iota
	NamespaceCreate
	NamespaceDelete
	NamespaceRename
	ShutdownTabletServer
	SystemSplit
	SystemMerge
	TableBulkImport
	TableCancelCompact
	TableClone
	TableCompact
	TableCreate
	TableDelete
	TableDeleteRange
	TableExport
	TableImport
	TableMerge
	TableOffline
	TableOnline
	TableRename
	TableSplit
	TableTabletAvailability
)

var names = map[FateOperation]string{
	CommitCompaction:       "COMMIT_COMPACTION",
	NamespaceCreate:        "NAMESPACE_CREATE",
	NamespaceDelete:        "NAMESPACE_DELETE",
	NamespaceRename:        "NAMESPACE_RENAME",
	ShutdownTabletServer:   "SHUTDOWN_TSERVER",
	SystemSplit:            "SYSTEM_SPLIT",
	SystemMerge:            "SYSTEM_MERGE",
	TableBulkImport:        "TABLE_BULK_IMPORT2",
	TableCancelCompact:     "TABLE_CANCEL_COMPACT",
	TableClone:             "TABLE_CLONE",
	TableCompact:           "TABLE_COMPACT",
	TableCreate:            "TABLE_CREATE",
	TableDelete:            "TABLE_DELETE",
	TableDeleteRange:       "TABLE_DELETE_RANGE",
	TableExport:            "TABLE_EXPORT",
	TableImport:            "TABLE_IMPORT",
	TableMerge:             "TABLE_MERGE",
	TableOffline:           "TABLE_OFFLINE",
	TableOnline:            "TABLE_ONLINE",
	TableRename:            "TABLE_RENAME",
	TableSplit:             "TABLE_SPLIT",
	TableTabletAvailability: "TABLE_TABLET_AVAILABILITY",
}

// internalOnly is the set of operations with no wire-protocol counterpart,
// mirroring the source's FateOperation.nonThriftOps.
var internalOnly = map[FateOperation]bool{
	CommitCompaction:     true,
	ShutdownTabletServer: true,
	SystemSplit:          true,
	SystemMerge:          true,
}

func (op FateOperation) String() string {
	if n, ok := names[op]; ok {
		return n
	}
	return fmt.Sprintf("FateOperation(%d)", int(op))
}

// IsInternalOnly reports whether this operation kind has no externally
// visible wire form.
func (op FateOperation) IsInternalOnly() bool {
	return internalOnly[op]
}

// ErrNoWireForm is returned by Export for an internal-only operation.
var ErrNoWireForm = fmt.Errorf("ops: operation has no wire form")

// Export returns the wire-protocol name for operations that have one.
func (op FateOperation) Export() (string, error) {
	if op.IsInternalOnly() {
		return "", fmt.Errorf("ops: %s: %w", op, ErrNoWireForm)
	}
	return op.String(), nil
}

// Parse reverses String.
func Parse(s string) (FateOperation, error) {
	for op, n := range names {
		if n == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("ops: unknown operation %q", s)
}
