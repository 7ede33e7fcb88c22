package rtdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	segs, err := splitPath("/users/alice/posts/1/")
	require.NoError(t, err)
	require.Equal(t, []string{"users", "alice", "posts", "1"}, segs)

	_, err = splitPath("")
	require.Error(t, err)

	_, err = splitPath("users//alice")
	require.Error(t, err)
}

func TestIsDocPath(t *testing.T) {
	require.True(t, isDocPath([]string{"users", "alice"}))
	require.False(t, isDocPath([]string{"users"}))
}

func TestCollectionOf(t *testing.T) {
	require.Equal(t, "users", collectionOf([]string{"users", "alice"}))
}

func TestChildPath(t *testing.T) {
	require.Equal(t, "users/alice", childPath("users", "alice"))
	require.Equal(t, "alice", childPath("", "alice"))
}

func TestIsImmediateChild(t *testing.T) {
	require.True(t, isImmediateChild([]string{"users"}, []string{"users", "alice"}))
	require.False(t, isImmediateChild([]string{"users"}, []string{"users", "alice", "posts", "1"}), "nested under a subcollection, not a direct child")
	require.False(t, isImmediateChild([]string{"users"}, []string{"groups", "alice"}))
}

func TestHasPrefixSegs(t *testing.T) {
	require.True(t, hasPrefixSegs([]string{"users"}, []string{"users", "alice"}))
	require.True(t, hasPrefixSegs([]string{"users", "alice"}, []string{"users", "alice"}))
	require.False(t, hasPrefixSegs([]string{"users", "alice"}, []string{"users"}))
	require.False(t, hasPrefixSegs([]string{"groups"}, []string{"users", "alice"}))
}
