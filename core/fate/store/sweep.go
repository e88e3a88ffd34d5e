package store

import (
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/sushant-115/tablefate/core/fate/fateid"
)

// ReservationInfo is a point-in-time view of one transaction's lease,
// returned by Reservations for the dead-reservation sweep (§4.2).
type ReservationInfo struct {
	ID         fateid.FateID
	OwnerID    string
	AcquiredAt time.Time
}

// Reservations returns every currently-held reservation. Used exclusively
// by core/fate/reservation's dead-reservation sweep; ordinary workers never
// need a global view of who holds what.
func (s *Store) Reservations() ([]ReservationInfo, error) {
	var out []ReservationInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if !rec.isReserved() {
				return nil
			}
			id, err := fateid.FromBytes(k)
			if err != nil {
				return nil
			}
			out = append(out, ReservationInfo{ID: id, OwnerID: rec.ReservedBy, AcquiredAt: rec.ReservedAt})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClearDeadReservation forcibly releases the reservation on id regardless
// of owner, the one operation the dead-reservation sweep is allowed that
// an ordinary Handle is not (§4.2: "Only reservations — never the
// transaction state itself"). It leaves status, stack, and info untouched.
func (s *Store) ClearDeadReservation(id fateid.FateID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		rec.ReservedBy = ""
		rec.ReservedAt = time.Time{}
		return putRecord(tx, id, rec)
	})
}
