package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type MembershipProof struct {
	RecordID  string      `json:"record_id"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	ProofPath []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove builds a membership proof for one record.
func (t *Tree) Prove(recordID string) (MembershipProof, error) {
	pos, ok := t.index[recordID]
	if !ok {
		return MembershipProof{}, fmt.Errorf("merkle: record %s not in tree", recordID)
	}

	proof := MembershipProof{
		RecordID: recordID,
		LeafHash: t.Leaves[pos].LeafHash,
		Root:     t.Root,
	}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos // odd node pairs with its duplicate
		}
		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: level[sibling],
		})
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a proof and compares it to the
// expected root. An empty expectedRoot trusts the root embedded in the
// proof.
func Verify(proof MembershipProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.Root != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		var buf bytes.Buffer
		buf.WriteString(nodePrefix)
		buf.WriteByte(0)
		if step.Side == "L" {
			buf.Write(hexToBytes(step.SiblingHash))
			buf.Write(hexToBytes(current))
		} else {
			buf.Write(hexToBytes(current))
			buf.Write(hexToBytes(step.SiblingHash))
		}
		h := sha256.Sum256(buf.Bytes())
		current = hex.EncodeToString(h[:])
	}
	return current == proof.Root
}

// LeafHash exposes the leaf binding so verifiers can recompute it from a
// stored record.
func LeafHash(recordID, contentHash string) string {
	return leafHash(recordID, contentHash)
}
