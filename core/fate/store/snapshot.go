package store

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	bolt "github.com/boltdb/bolt"
)

// snapshotEntry is one line of the JSON-lines export format: the raw bucket
// key and the raw (already-JSON) record bytes, both base64-encoded so the
// key's binary FateID prefix survives the round trip.
type snapshotEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Dump writes every transaction record as JSON lines, the format
// tablefatectl snapshot export/import round-trips through zstd compression.
func (s *Store) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		return b.ForEach(func(k, v []byte) error {
			entry := snapshotEntry{
				Key:   base64.StdEncoding.EncodeToString(k),
				Value: base64.StdEncoding.EncodeToString(v),
			}
			return enc.Encode(entry)
		})
	})
	if err != nil {
		return fmt.Errorf("store: dump: %w", err)
	}
	return bw.Flush()
}

// Load replaces the store's contents with the JSON-lines export produced by
// Dump. Existing records not present in the dump are removed, so the store
// ends up an exact copy of what was exported.
func (s *Store) Load(r io.Reader) error {
	dec := json.NewDecoder(r)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(transactionsBucket); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("store: load: clear bucket: %w", err)
		}
		b, err := tx.CreateBucket(transactionsBucket)
		if err != nil {
			return fmt.Errorf("store: load: recreate bucket: %w", err)
		}
		for {
			var entry snapshotEntry
			if err := dec.Decode(&entry); err != nil {
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("store: load: decode entry: %w", err)
			}
			key, err := base64.StdEncoding.DecodeString(entry.Key)
			if err != nil {
				return fmt.Errorf("store: load: decode key: %w", err)
			}
			value, err := base64.StdEncoding.DecodeString(entry.Value)
			if err != nil {
				return fmt.Errorf("store: load: decode value: %w", err)
			}
			if err := b.Put(key, value); err != nil {
				return fmt.Errorf("store: load: put: %w", err)
			}
		}
	})
}
