// Package crdt implements Cloudillo's CRDT collaboration channel (§4.10,
// C10): a per-document, append-only binary update log with broadcast
// fan-out, snapshot replay on join, and post-session compaction. The server
// never interprets update bytes itself — it relays whatever sync-protocol
// frames the client-side CRDT library produces, the way a y-websocket
// provider server does for Yjs. Merge semantics for compaction are supplied
// by an injected Merger, since the actual CRDT algorithm is the client
// library's concern, not this package's.
package crdt

import (
	"encoding/binary"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/errs"
)

// UpdateType is the third byte of a storage key (§4.10).
type UpdateType byte

const (
	TypeUpdate      UpdateType = 0
	TypeStateVector UpdateType = 1 // reserved
	TypeMetadata    UpdateType = 2 // reserved
)

const (
	keyVersion  = 1
	docIDLen    = 24
	keyLen      = 1 + docIDLen + 1 + 8 // 34 bytes
)

// encodeKey builds the 34-byte storage key: [version:1][doc_id:24][type:1]
// [seq:8 big-endian]. Big-endian seq keeps the bucket's natural
// byte-lexicographic iteration order equal to sequence order.
func encodeKey(docID string, typ UpdateType, seq uint64) ([]byte, error) {
	if len(docID) != docIDLen {
		return nil, fmt.Errorf("crdt: doc_id must be %d bytes, got %d", docIDLen, len(docID))
	}
	k := make([]byte, keyLen)
	k[0] = keyVersion
	copy(k[1:1+docIDLen], docID)
	k[1+docIDLen] = byte(typ)
	binary.BigEndian.PutUint64(k[1+docIDLen+1:], seq)
	return k, nil
}

func decodeKey(k []byte) (docID string, typ UpdateType, seq uint64, ok bool) {
	if len(k) != keyLen || k[0] != keyVersion {
		return "", 0, 0, false
	}
	docID = string(k[1 : 1+docIDLen])
	typ = UpdateType(k[1+docIDLen])
	seq = binary.BigEndian.Uint64(k[1+docIDLen+1:])
	return docID, typ, seq, true
}

// Store is the bbolt-backed persistence layer for CRDT update logs, one
// bucket per tenant (mirroring db/bolt.DB's bucket-per-namespace
// convention), keyed within the bucket by the 34-byte layout above.
type Store struct {
	db *bolt.DB
}

func Open(db *bolt.DB) *Store {
	return &Store{db: db}
}

func tenantBucket(tnID int64) []byte {
	return []byte("crdt:" + strconv.FormatInt(tnID, 10))
}

// PutUpdate appends a single row under the given (doc_id, type, seq). The
// caller owns seq assignment (Channel takes it from the Instance's atomic
// counter); Store never assigns one itself, so a doc's seqs stay unique and
// increasing without relying on bbolt for that guarantee.
func (s *Store) PutUpdate(tnID int64, docID string, typ UpdateType, seq uint64, data []byte) error {
	key, err := encodeKey(docID, typ, seq)
	if err != nil {
		return errs.NewValidation(err.Error())
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tenantBucket(tnID))
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return errs.NewDb(err)
	}
	return nil
}

// GetUpdates range-scans every TypeUpdate row for docID, returned in seq
// order (§4.10 get_updates).
func (s *Store) GetUpdates(tnID int64, docID string) ([][]byte, error) {
	lo, err := encodeKey(docID, TypeUpdate, 0)
	if err != nil {
		return nil, errs.NewValidation(err.Error())
	}
	hi, err := encodeKey(docID, TypeUpdate, ^uint64(0))
	if err != nil {
		return nil, errs.NewValidation(err.Error())
	}

	var updates [][]byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantBucket(tnID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(lo); k != nil && bytesLE(k, hi); k, v = c.Next() {
			cp := make([]byte, len(v))
			copy(cp, v)
			updates = append(updates, cp)
		}
		return nil
	})
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return updates, nil
}

// MaxSeq returns the highest persisted seq for docID, used to seed a fresh
// Instance's atomic counter on first touch (§4.10 "Instance cache").
func (s *Store) MaxSeq(tnID int64, docID string) (seq uint64, found bool, err error) {
	lo, kerr := encodeKey(docID, TypeUpdate, 0)
	if kerr != nil {
		return 0, false, errs.NewValidation(kerr.Error())
	}
	hi, _ := encodeKey(docID, TypeUpdate, ^uint64(0))

	dbErr := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantBucket(tnID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(lo); k != nil && bytesLE(k, hi); k, _ = c.Next() {
			_, _, sq, ok := decodeKey(k)
			if !ok {
				continue
			}
			seq, found = sq, true
		}
		return nil
	})
	if dbErr != nil {
		return 0, false, errs.NewDb(dbErr)
	}
	return seq, found, nil
}

// DeleteDoc removes every row (of any type) for docID and evicts nothing
// itself — eviction of the in-memory Instance is the Cache's job.
func (s *Store) DeleteDoc(tnID int64, docID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantBucket(tnID))
		if b == nil {
			return nil
		}
		var toDelete [][]byte
		prefix := append([]byte{keyVersion}, []byte(docID)...)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.NewDb(err)
	}
	return nil
}

// ListDocs scans all update keys in tnID's bucket and uniquifies the doc_id
// prefix (§4.10 list_docs).
func (s *Store) ListDocs(tnID int64) ([]string, error) {
	seen := make(map[string]bool)
	var docs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tenantBucket(tnID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			docID, _, _, ok := decodeKey(k)
			if !ok {
				return nil
			}
			if !seen[docID] {
				seen[docID] = true
				docs = append(docs, docID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.NewDb(err)
	}
	return docs, nil
}

func bytesLE(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) <= len(b)
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
