// Package merkle builds a Merkle tree over the files of an evidence pack, so
// that a single file can be proven part of a pack without the others.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownLeaf is returned when a proof is requested for a path that is
// not in the tree.
var ErrUnknownLeaf = errors.New("merkle: unknown leaf")

const (
	leafPrefix = "screening:pack:leaf:v1"
	nodePrefix = "screening:pack:node:v1"
)

// Leaf is one file of the tree.
type Leaf struct {
	Path     string `json:"path"`
	LeafHash string `json:"leaf_hash"`
}

// Tree holds every level of node hashes, leaves first.
type Tree struct {
	Leaves []Leaf
	Root   string
	Nodes  [][]string
}

// BuildTree hashes files in path order. The leaf hash binds the path to the
// content: SHA256(prefix \0 path \0 SHA256(content)).
func BuildTree(files map[string][]byte) *Tree {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return &Tree{}
	}

	tree := &Tree{Leaves: make([]Leaf, len(paths))}
	level := make([]string, len(paths))
	for i, p := range paths {
		h := LeafHash(p, files[p])
		tree.Leaves[i] = Leaf{Path: p, LeafHash: h}
		level[i] = h
	}

	for len(level) > 1 {
		tree.Nodes = append(tree.Nodes, level)
		level = nextLevel(level)
	}
	tree.Nodes = append(tree.Nodes, level)
	tree.Root = level[0]
	return tree
}

// LeafHash computes the leaf hash of one file.
func LeafHash(path string, content []byte) string {
	sum := sha256.Sum256(content)
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(sum[:])
	return sha256Hex(buf.Bytes())
}

// Odd levels duplicate their last hash.
func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes[:len(hashes):len(hashes)], hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

// Proof returns the inclusion proof of a path.
func (t *Tree) Proof(path string) (InclusionProof, error) {
	idx := -1
	for i, l := range t.Leaves {
		if l.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return InclusionProof{}, fmt.Errorf("%w: %s", ErrUnknownLeaf, path)
	}

	proof := InclusionProof{LeafPath: path, LeafHash: t.Leaves[idx].LeafHash, MerkleRoot: t.Root}
	for _, level := range t.Nodes[:len(t.Nodes)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return proof, nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
