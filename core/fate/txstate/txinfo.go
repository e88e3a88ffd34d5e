package txstate

import "fmt"

// TxInfo enumerates the small keyed store attached to every transaction
// (§3). Values are stored as opaque JSON payloads so each kind of info can
// carry a differently-shaped value (the declared operation, a boolean
// flag, a serialized exception, a human-readable return string, ...).
type TxInfo string

const (
	FateOp      TxInfo = "FATE_OP"
	AutoClean   TxInfo = "AUTO_CLEAN"
	Exception   TxInfo = "EXCEPTION"
	ReturnValue TxInfo = "RETURN_VALUE"
	TxAgeOff    TxInfo = "TX_AGEOFF"
)

// FateKeyType is the kind of business-level dedup tag attached to a
// transaction at seed time (§3, §4.1 Seed).
type FateKeyType string

// FateKey is the optional business-level deduplication tag used by
// idempotent seeding (Testable Property 4): seeding twice with the same key
// and operation is a no-op, seeding with the same key and a different
// operation is a conflict.
type FateKey struct {
	Type    FateKeyType
	Payload []byte
}

func (k FateKey) String() string {
	return fmt.Sprintf("%s:%x", k.Type, k.Payload)
}

// Equal reports whether two keys denote the same dedup tag.
func (k FateKey) Equal(other FateKey) bool {
	if k.Type != other.Type || len(k.Payload) != len(other.Payload) {
		return false
	}
	for i := range k.Payload {
		if k.Payload[i] != other.Payload[i] {
			return false
		}
	}
	return true
}
