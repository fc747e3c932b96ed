package proofs

import (
	stdErrors "errors"
)

// ComputeRoot folds path over leaf and returns the resulting root.
func ComputeRoot(hasher Hasher, leaf Digest, path Path) Digest {
	acc := leaf
	for _, step := range path {
		if step.Side == SideLeft {
			acc = hasher.Combine(step.Sibling, acc)
		} else {
			acc = hasher.Combine(acc, step.Sibling)
		}
	}
	return acc
}

// Verify reports whether path links leaf to root. A mismatch is a normal false
// result, never an error. Steps with an unknown side never verify.
func Verify(hasher Hasher, leaf Digest, path Path, root Digest) bool {
	for _, step := range path {
		if step.Side != SideLeft && step.Side != SideRight {
			return false
		}
	}
	return ComputeRoot(hasher, leaf, path) == root
}

// Proof is a self-describing membership claim.
type Proof struct {
	Leaf  Digest `json:"leaf_hash"`
	Index uint64 `json:"leaf_index"`
	Size  uint64 `json:"tree_size"`
	Path  Path   `json:"merkle_path"`
	Root  Digest `json:"merkle_root"`
}

// VerifyProof checks that p is well formed for a tree of p.Size leaves under
// policy, then verifies it. Structural problems return ErrMalformedProof.
func VerifyProof(hasher Hasher, policy OddPolicy, p Proof) (bool, error) {
	expected, err := ExpectedSides(policy, p.Index, p.Size)
	if err != nil {
		return false, structural(err)
	}
	if len(p.Path) != len(expected) {
		return false, malformed("path has %d steps, leaf %d of a %d-leaf tree needs %d",
			len(p.Path), p.Index, p.Size, len(expected))
	}
	for i, step := range p.Path {
		if step.Side != expected[i] {
			return false, malformed("step %d has position %q, expected %q", i, step.Side, expected[i])
		}
	}
	return Verify(hasher, p.Leaf, p.Path, p.Root), nil
}

// PathFromHex rebuilds a path from the plain list of sibling hashes used on the
// wire. Sides are derived from the leaf position and the tree size.
func PathFromHex(hashes []string, policy OddPolicy, index, size uint64) (Path, error) {
	sides, err := ExpectedSides(policy, index, size)
	if err != nil {
		return nil, structural(err)
	}
	if len(hashes) != len(sides) {
		return nil, malformed("got %d sibling hashes, leaf %d of a %d-leaf tree needs %d",
			len(hashes), index, size, len(sides))
	}
	path := make(Path, len(hashes))
	for i, raw := range hashes {
		d, err := ParseDigest(raw)
		if err != nil {
			return nil, err
		}
		path[i] = Step{Sibling: d, Side: sides[i]}
	}
	return path, nil
}

func structural(err error) error {
	switch {
	case stdErrors.Is(err, ErrEmptyTree):
		return malformed("proof claims an empty tree")
	case stdErrors.Is(err, ErrIndexOutOfRange):
		return malformed("%v", err)
	default:
		return err
	}
}
