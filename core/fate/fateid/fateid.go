// Package fateid defines the opaque transaction identifier used throughout
// TableFate: a random 128-bit value plus an instance-type tag distinguishing
// transactions seeded on behalf of a user request from transactions that
// operate purely on internal metadata.
package fateid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InstanceType distinguishes the kind of transaction an id was minted for.
type InstanceType byte

const (
	// USER identifies a transaction started on behalf of an external client
	// request (e.g. a table create submitted over the wire).
	USER InstanceType = iota
	// META identifies a transaction the manager runs against its own
	// metadata, never directly visible on the wire.
	META
)

func (t InstanceType) String() string {
	switch t {
	case USER:
		return "USER"
	case META:
		return "META"
	default:
		return "UNKNOWN"
	}
}

// FateID is the globally unique, opaque identifier of a transaction.
type FateID struct {
	Type InstanceType
	UUID uuid.UUID
}

// New mints a fresh FateID of the given instance type.
func New(t InstanceType) FateID {
	return FateID{Type: t, UUID: uuid.New()}
}

// Bytes returns the 17-byte encoding used as the bolt bucket key: one type
// byte followed by the 16 raw UUID bytes.
func (id FateID) Bytes() []byte {
	b := make([]byte, 17)
	b[0] = byte(id.Type)
	copy(b[1:], id.UUID[:])
	return b
}

// FromBytes decodes the encoding produced by Bytes.
func FromBytes(b []byte) (FateID, error) {
	if len(b) != 17 {
		return FateID{}, fmt.Errorf("fateid: invalid key length %d", len(b))
	}
	var u uuid.UUID
	copy(u[:], b[1:])
	return FateID{Type: InstanceType(b[0]), UUID: u}, nil
}

// String renders the id as "<type>:<uuid>", e.g. "USER:3fa85f64-...".
func (id FateID) String() string {
	return fmt.Sprintf("%s:%s", id.Type, id.UUID)
}

// Parse reverses String.
func Parse(s string) (FateID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return FateID{}, fmt.Errorf("fateid: malformed id %q", s)
	}
	var t InstanceType
	switch parts[0] {
	case "USER":
		t = USER
	case "META":
		t = META
	default:
		return FateID{}, fmt.Errorf("fateid: unknown instance type %q", parts[0])
	}
	u, err := uuid.Parse(parts[1])
	if err != nil {
		return FateID{}, fmt.Errorf("fateid: %w", err)
	}
	return FateID{Type: t, UUID: u}, nil
}
