// Package rtdb implements the real-time document database channel (§4.11):
// a per-(tn_id, db_id) tree of JSON documents addressed by path, mutated
// through atomic batch transactions and observed through subscriptions.
package rtdb

import (
	"strings"

	"github.com/cloudillo/cloudillo/errs"
)

// splitPath breaks "collection/doc_id/subcollection/doc_id" into segments,
// rejecting empty segments (a leading/trailing/doubled slash).
func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, errs.NewValidation("rtdb: empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, errs.NewValidation("rtdb: path contains an empty segment")
		}
	}
	return segs, nil
}

// isDocPath reports whether segs addresses a document (even segment count)
// as opposed to a collection (odd count).
func isDocPath(segs []string) bool {
	return len(segs)%2 == 0
}

// collectionOf returns the collection path containing the document at
// docPath, i.e. all but the last segment.
func collectionOf(segs []string) string {
	return strings.Join(segs[:len(segs)-1], "/")
}

// childPath appends a doc_id to a collection path.
func childPath(collection, docID string) string {
	if collection == "" {
		return docID
	}
	return collection + "/" + docID
}

// isImmediateChild reports whether docSegs names a direct document of the
// collection described by collSegs (one segment deeper, sharing the prefix),
// as opposed to a document nested in a subcollection further down the tree.
func isImmediateChild(collSegs, docSegs []string) bool {
	if len(docSegs) != len(collSegs)+1 {
		return false
	}
	for i, s := range collSegs {
		if docSegs[i] != s {
			return false
		}
	}
	return true
}

// hasPrefixSegs reports whether segs is segs equal to or nested under prefix.
func hasPrefixSegs(prefix, segs []string) bool {
	if len(segs) < len(prefix) {
		return false
	}
	for i, s := range prefix {
		if segs[i] != s {
			return false
		}
	}
	return true
}
