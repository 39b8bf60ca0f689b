// Package merkle accumulates chain block hashes into a Merkle tree so the
// cryptographic verifier can prove a record's membership in a tenant
// chain without replaying the whole chain.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	leafPrefix = "trustcore:chain:leaf:v1"
	nodePrefix = "trustcore:chain:node:v1"
)

type Leaf struct {
	RecordID string
	LeafHash string
}

type Tree struct {
	Leaves []Leaf
	Root   string
	levels [][]string // levels[0] = leaf hashes, last = [root]
	index  map[string]int
}

// Build constructs a tree over (record id, content hash) pairs in chain
// order. Leaf hashing binds the record id to its content hash so a proof
// cannot be replayed for a different record.
func Build(recordIDs, contentHashes []string) (*Tree, error) {
	if len(recordIDs) != len(contentHashes) {
		return nil, fmt.Errorf("merkle: %d ids but %d hashes", len(recordIDs), len(contentHashes))
	}
	if len(recordIDs) == 0 {
		return &Tree{index: map[string]int{}}, nil
	}

	leaves := make([]Leaf, len(recordIDs))
	index := make(map[string]int, len(recordIDs))
	level := make([]string, len(recordIDs))
	for i, id := range recordIDs {
		h := leafHash(id, contentHashes[i])
		leaves[i] = Leaf{RecordID: id, LeafHash: h}
		index[id] = i
		level[i] = h
	}

	tree := &Tree{Leaves: leaves, index: index}
	tree.levels = append(tree.levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		tree.levels = append(tree.levels, level)
	}
	tree.Root = level[0]
	return tree, nil
}

func leafHash(recordID, contentHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(recordID)
	buf.WriteByte(0)
	buf.WriteString(contentHash)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
