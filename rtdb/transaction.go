package rtdb

import (
	"context"
	"regexp"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idgen"
)

// OpKind names one of §4.11's four batch transaction operations.
type OpKind string

const (
	OpCreate  OpKind = "create"
	OpUpdate  OpKind = "update"
	OpReplace OpKind = "replace"
	OpDelete  OpKind = "delete"
)

// TxOp is a single batch transaction operation. Path may interpolate
// "${$name}" where name names an earlier op's Ref (§4.11 "subsequent op
// paths may interpolate ${$name}").
type TxOp struct {
	Kind  OpKind         `json:"kind"`
	Path  string         `json:"path"`
	Data  map[string]any `json:"data,omitempty"`  // create, replace
	Patch map[string]any `json:"patch,omitempty"` // update
	Ref   string         `json:"ref,omitempty"`   // create: bind the new doc_id to ${$ref}
}

// TxResult reports the doc_id minted by each create op, indexed the same as
// the input ops slice (empty string for non-create ops), for the client to
// learn ids it didn't choose itself.
type TxResult struct {
	DocIDs []string
}

var refPattern = regexp.MustCompile(`\$\{\$([^}]+)\}`)

func substituteRefs(path string, refs map[string]string) (string, error) {
	var outErr error
	out := refPattern.ReplaceAllStringFunc(path, func(m string) string {
		name := refPattern.FindStringSubmatch(m)[1]
		v, ok := refs[name]
		if !ok {
			outErr = errs.NewValidation("rtdb: transaction references undefined ref $" + name)
			return m
		}
		return v
	})
	if outErr != nil {
		return "", outErr
	}
	return out, nil
}

// Transact implements §4.11's batch write API: every op runs inside a
// single bbolt transaction (atomic per invariant i — a non-nil error
// anywhere rolls the whole thing back, since it propagates out of
// Store.withTx's db.Update callback), refs mint-and-substitute doc_ids
// across ops, and committed changes broadcast to subscribers only after the
// transaction has durably committed.
func (c *Channel) Transact(ctx context.Context, tnID int64, dbID, userID string, ops []TxOp) (TxResult, error) {
	key := dbKey{tnID, dbID}
	lock := c.dbLock(key)
	lock.Lock()
	defer lock.Unlock()

	locks := c.lockTable(key)
	result := TxResult{DocIDs: make([]string, len(ops))}
	var events []publishedEvent

	err := c.Store.withTx(tnID, dbID, func(tx *txBuckets) error {
		refs := map[string]string{}
		for i, op := range ops {
			path, err := substituteRefs(op.Path, refs)
			if err != nil {
				return err
			}

			switch op.Kind {
			case OpCreate:
				if locks.hardLockConflict(path, userID) {
					return errs.NewLocked("rtdb: " + path + " is hard-locked")
				}
				docID := idgen.Random()
				full := childPath(path, docID)
				cc := &computeCtx{tx: tx, clock: c.Clock, basePath: full}
				resolved, err := resolveComputed(cc, op.Data, nil)
				if err != nil {
					return err
				}
				doc, _ := resolved.(map[string]any)
				if doc == nil {
					doc = map[string]any{}
				}
				if err := tx.putDoc(full, doc); err != nil {
					return errs.NewDb(err)
				}
				if err := tx.applyIndexWrite(path, full, nil, doc); err != nil {
					return err
				}
				events = append(events, publishedEvent{collection: path, ev: ChangeEvent{Kind: EvCreate, Path: full, Data: doc}})
				result.DocIDs[i] = docID
				if op.Ref != "" {
					refs[op.Ref] = docID
				}

			case OpUpdate:
				if locks.hardLockConflict(path, userID) {
					return errs.NewLocked("rtdb: " + path + " is hard-locked")
				}
				existing, present, err := tx.getDoc(path)
				if err != nil {
					return err
				}
				if !present {
					return errs.NewNotFound("rtdb: update: " + path + " does not exist")
				}
				cc := &computeCtx{tx: tx, clock: c.Clock, basePath: path}
				resolved, err := resolveComputed(cc, op.Patch, existing)
				if err != nil {
					return err
				}
				patch, _ := resolved.(map[string]any)
				merged := make(map[string]any, len(existing)+len(patch))
				for k, v := range existing {
					merged[k] = v
				}
				for k, v := range patch {
					merged[k] = v
				}
				if err := tx.putDoc(path, merged); err != nil {
					return errs.NewDb(err)
				}
				segs, err := splitPath(path)
				if err != nil {
					return err
				}
				coll := collectionOf(segs)
				if err := tx.applyIndexWrite(coll, path, existing, merged); err != nil {
					return err
				}
				events = append(events, publishedEvent{collection: coll, ev: ChangeEvent{Kind: EvUpdate, Path: path, Data: merged, OldData: existing}})

			case OpReplace:
				if locks.hardLockConflict(path, userID) {
					return errs.NewLocked("rtdb: " + path + " is hard-locked")
				}
				existing, present, err := tx.getDoc(path)
				if err != nil {
					return err
				}
				var existingOrNil map[string]any
				if present {
					existingOrNil = existing
				}
				cc := &computeCtx{tx: tx, clock: c.Clock, basePath: path}
				resolved, err := resolveComputed(cc, op.Data, existingOrNil)
				if err != nil {
					return err
				}
				doc, _ := resolved.(map[string]any)
				if doc == nil {
					doc = map[string]any{}
				}
				if err := tx.putDoc(path, doc); err != nil {
					return errs.NewDb(err)
				}
				segs, err := splitPath(path)
				if err != nil {
					return err
				}
				coll := collectionOf(segs)
				if err := tx.applyIndexWrite(coll, path, existingOrNil, doc); err != nil {
					return err
				}
				if present {
					events = append(events, publishedEvent{collection: coll, ev: ChangeEvent{Kind: EvUpdate, Path: path, Data: doc, OldData: existing}})
				} else {
					events = append(events, publishedEvent{collection: coll, ev: ChangeEvent{Kind: EvCreate, Path: path, Data: doc}})
				}

			case OpDelete:
				if locks.hardLockConflict(path, userID) {
					return errs.NewLocked("rtdb: " + path + " is hard-locked")
				}
				subtree, err := tx.collectSubtree(path)
				if err != nil {
					return err
				}
				for p, d := range subtree {
					segs, err := splitPath(p)
					if err != nil {
						continue
					}
					coll := collectionOf(segs)
					if err := tx.applyIndexWrite(coll, p, d, nil); err != nil {
						return err
					}
				}
				if err := tx.deleteSubtree(path); err != nil {
					return errs.NewDb(err)
				}
				segs, err := splitPath(path)
				if err != nil {
					return err
				}
				coll := collectionOf(segs)
				events = append(events, publishedEvent{collection: coll, ev: ChangeEvent{Kind: EvDelete, Path: path, OldData: subtree[path]}})

			default:
				return errs.NewValidation("rtdb: unknown op kind " + string(op.Kind))
			}
		}
		return nil
	})
	if err != nil {
		return TxResult{}, err
	}

	for _, pe := range events {
		c.publish(key, pe.ev, pe.collection)
	}
	return result, nil
}

type publishedEvent struct {
	collection string
	ev         ChangeEvent
}
