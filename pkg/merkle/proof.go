package merkle

import "strings"

// InclusionProof proves one leaf belongs to a tree with the given root.
type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the path to the root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof folds the proof path up to the root. An empty
// expectedRoot trusts the root carried by the proof.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
