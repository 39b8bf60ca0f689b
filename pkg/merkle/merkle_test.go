package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTree(t *testing.T, n int) *Tree {
	t.Helper()
	ids := make([]string, n)
	hashes := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("ev-%d", i)
		hashes[i] = sha256Hex([]byte(fmt.Sprintf("content-%d", i)))
	}
	tree, err := Build(ids, hashes)
	require.NoError(t, err)
	return tree
}

func TestBuildDeterministicRoot(t *testing.T) {
	a := buildTestTree(t, 7)
	b := buildTestTree(t, 7)
	assert.Equal(t, a.Root, b.Root)
	assert.NotEmpty(t, a.Root)
}

func TestProveAndVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 8, 13} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tree := buildTestTree(t, n)
			for i := 0; i < n; i++ {
				proof, err := tree.Prove(fmt.Sprintf("ev-%d", i))
				require.NoError(t, err)
				assert.True(t, Verify(proof, tree.Root), "leaf %d of %d", i, n)
			}
		})
	}
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	tree := buildTestTree(t, 5)
	proof, err := tree.Prove("ev-2")
	require.NoError(t, err)

	assert.False(t, Verify(proof, sha256Hex([]byte("other root"))))
}

func TestVerifyRejectsTamperedLeaf(t *testing.T) {
	tree := buildTestTree(t, 5)
	proof, err := tree.Prove("ev-2")
	require.NoError(t, err)

	proof.LeafHash = LeafHash("ev-2", sha256Hex([]byte("forged content")))
	assert.False(t, Verify(proof, tree.Root))
}

func TestProofBindsRecordID(t *testing.T) {
	// The same content hash under a different record id yields a
	// different leaf, so proofs cannot be replayed across records.
	h := sha256Hex([]byte("shared content"))
	assert.NotEqual(t, LeafHash("ev-1", h), LeafHash("ev-2", h))
}

func TestProveUnknownRecord(t *testing.T) {
	tree := buildTestTree(t, 3)
	_, err := tree.Prove("no-such-record")
	require.Error(t, err)
}

func TestBuildValidatesInput(t *testing.T) {
	_, err := Build([]string{"a"}, []string{})
	require.Error(t, err)

	empty, err := Build(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Root)
}
