package fate

import "github.com/sushant-115/tablefate/core/fate/txstate"

// The transaction-status and tx-info types live in core/fate/txstate so
// that core/fate/pool and core/fate/store (both dependencies of this
// package) can use them without creating an import cycle. These aliases
// keep the existing fate.* surface intact for this package and its
// external callers.

type TStatus = txstate.TStatus

const (
	NEW                = txstate.NEW
	SUBMITTED          = txstate.SUBMITTED
	IN_PROGRESS        = txstate.IN_PROGRESS
	FAILED_IN_PROGRESS = txstate.FAILED_IN_PROGRESS
	FAILED             = txstate.FAILED
	SUCCESSFUL         = txstate.SUCCESSFUL
	UNKNOWN            = txstate.UNKNOWN
)

var FinishedStates = txstate.FinishedStates

func ParseTStatus(s string) (TStatus, error) { return txstate.ParseTStatus(s) }

func CanTransition(cur, next TStatus) bool { return txstate.CanTransition(cur, next) }

type ErrInvalidTransition = txstate.ErrInvalidTransition

type TxInfo = txstate.TxInfo

const (
	FateOp      = txstate.FateOp
	AutoClean   = txstate.AutoClean
	Exception   = txstate.Exception
	ReturnValue = txstate.ReturnValue
	TxAgeOff    = txstate.TxAgeOff
)

type FateKeyType = txstate.FateKeyType

type FateKey = txstate.FateKey
