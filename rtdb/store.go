package rtdb

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudillo/cloudillo/errs"
)

// Store persists the document tree in bbolt, one top-level bucket per
// (tn_id, db_id), mirroring the teacher's bucket-per-namespace convention
// (db/bolt/bolt.go) generalized from flat key/value rows to a path-addressed
// tree plus secondary index rows.
type Store struct {
	db *bolt.DB
}

func Open(db *bolt.DB) *Store {
	return &Store{db: db}
}

const (
	bucketDocs    = "docs"
	bucketIdx     = "idx"
	bucketIdxMeta = "idxmeta"
)

func dbBucketName(tnID int64, dbID string) []byte {
	return []byte(fmt.Sprintf("rtdb:%d:%s", tnID, dbID))
}

// withTx opens a read-write bbolt transaction scoped to (tn_id, db_id),
// creating its three sub-buckets if absent, and runs fn inside it. A single
// underlying bolt.Tx gives the whole rtdb transaction atomicity and
// read-your-own-writes for free: a Put earlier in fn is visible to a Get
// later in the same fn.
func (s *Store) withTx(tnID int64, dbID string, fn func(tx *txBuckets) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		root, err := btx.CreateBucketIfNotExists(dbBucketName(tnID, dbID))
		if err != nil {
			return errs.NewDb(err)
		}
		docs, err := root.CreateBucketIfNotExists([]byte(bucketDocs))
		if err != nil {
			return errs.NewDb(err)
		}
		idx, err := root.CreateBucketIfNotExists([]byte(bucketIdx))
		if err != nil {
			return errs.NewDb(err)
		}
		idxMeta, err := root.CreateBucketIfNotExists([]byte(bucketIdxMeta))
		if err != nil {
			return errs.NewDb(err)
		}
		return fn(&txBuckets{docs: docs, idx: idx, idxMeta: idxMeta})
	})
}

// withViewTx is the read-only counterpart of withTx, for get/query paths
// that never need to write.
func (s *Store) withViewTx(tnID int64, dbID string, fn func(tx *txBuckets) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		root := btx.Bucket(dbBucketName(tnID, dbID))
		if root == nil {
			return fn(&txBuckets{})
		}
		return fn(&txBuckets{
			docs:    root.Bucket([]byte(bucketDocs)),
			idx:     root.Bucket([]byte(bucketIdx)),
			idxMeta: root.Bucket([]byte(bucketIdxMeta)),
		})
	})
}

// txBuckets bundles the three sub-buckets a single rtdb database uses; any
// of them may be nil under withViewTx if the database has never been
// written to.
type txBuckets struct {
	docs    *bolt.Bucket
	idx     *bolt.Bucket
	idxMeta *bolt.Bucket
}

func (b *txBuckets) getDoc(path string) (map[string]any, bool, error) {
	if b.docs == nil {
		return nil, false, nil
	}
	raw := b.docs.Get([]byte(path))
	if raw == nil {
		return nil, false, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, errs.NewInternal("rtdb: corrupt document at " + path)
	}
	return doc, true, nil
}

func (b *txBuckets) putDoc(path string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errs.NewInternal("rtdb: marshal document: " + err.Error())
	}
	return b.docs.Put([]byte(path), raw)
}

func (b *txBuckets) deleteDoc(path string) error {
	return b.docs.Delete([]byte(path))
}

// deleteSubtree removes path's document and every document nested under it
// (its subcollections), as §4.11's delete op requires.
func (b *txBuckets) deleteSubtree(path string) error {
	if b.docs == nil {
		return nil
	}
	prefix := []byte(path)
	c := b.docs.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), path); k, _ = c.Next() {
		rest := string(k)[len(path):]
		if rest != "" && rest[0] != '/' {
			continue // a sibling sharing this prefix as a string, not a path ancestor
		}
		kc := make([]byte, len(k))
		copy(kc, k)
		toDelete = append(toDelete, kc)
	}
	for _, k := range toDelete {
		if err := b.docs.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// listCollection returns every document immediately inside the collection
// at collPath (not documents nested further down in a subcollection).
func (b *txBuckets) listCollection(collPath string) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if b.docs == nil {
		return out, nil
	}
	collSegs, err := splitPathAllowEmpty(collPath)
	if err != nil {
		return nil, err
	}
	prefix := collPath
	if prefix != "" {
		prefix += "/"
	}
	c := b.docs.Cursor()
	for k, v := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
		p := string(k)
		docSegs, err := splitPath(p)
		if err != nil {
			continue
		}
		if !isImmediateChild(collSegs, docSegs) {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(v, &doc); err != nil {
			continue
		}
		out[p] = doc
	}
	return out, nil
}

// collectSubtree returns path's own document (if any) plus every document
// nested under it, keyed by full path, for a delete op to both emit an
// OldData payload and retire each affected document's index rows.
func (b *txBuckets) collectSubtree(path string) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if b.docs == nil {
		return out, nil
	}
	c := b.docs.Cursor()
	for k, v := c.Seek([]byte(path)); k != nil && strings.HasPrefix(string(k), path); k, v = c.Next() {
		rest := string(k)[len(path):]
		if rest != "" && rest[0] != '/' {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(v, &doc); err != nil {
			continue
		}
		out[string(k)] = doc
	}
	return out, nil
}

func splitPathAllowEmpty(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	return splitPath(path)
}
