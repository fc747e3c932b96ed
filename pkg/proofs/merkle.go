package proofs

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "Aegis-Evaluator/internal/errors"
)

// OddPolicy decides what happens to the last node of a level with an odd count.
type OddPolicy string

const (
	// OddPromote moves the unpaired node up one level unchanged.
	OddPromote OddPolicy = "promote"
	// OddDuplicate pairs the unpaired node with itself.
	OddDuplicate OddPolicy = "duplicate"
)

// ParseOddPolicy validates a policy name. An empty name selects OddPromote.
func ParseOddPolicy(name string) (OddPolicy, error) {
	switch OddPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", OddPromote:
		return OddPromote, nil
	case OddDuplicate:
		return OddDuplicate, nil
	default:
		return "", fmt.Errorf("unsupported odd-node policy %q", name)
	}
}

// Side is the position of a sibling relative to the node being proven.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// UnmarshalText rejects anything other than "left" or "right".
func (s *Side) UnmarshalText(text []byte) error {
	switch Side(strings.ToLower(string(text))) {
	case SideLeft:
		*s = SideLeft
	case SideRight:
		*s = SideRight
	default:
		return malformed("unknown sibling position %q", string(text))
	}
	return nil
}

// Step is one level of an authentication path.
type Step struct {
	Sibling Digest `json:"hash"`
	Side    Side   `json:"position"`
}

// Path is the ordered list of steps from a leaf up to the root.
type Path []Step

// Hashes returns the sibling digests as hex strings, in order.
func (p Path) Hashes() []string {
	out := make([]string, len(p))
	for i, step := range p {
		out[i] = step.Sibling.Hex()
	}
	return out
}

// Tree is an append-only binary Merkle tree. Level 0 holds the leaves, the
// last level holds the root. Tree is not safe for concurrent use; callers that
// share one must serialize Append against reads.
type Tree struct {
	hasher Hasher
	policy OddPolicy
	levels [][]Digest
}

// NewTree returns an empty tree.
func NewTree(hasher Hasher, policy OddPolicy) *Tree {
	if policy == "" {
		policy = OddPromote
	}
	return &Tree{hasher: hasher, policy: policy, levels: [][]Digest{nil}}
}

// Build constructs a tree from an ordered leaf sequence.
func Build(hasher Hasher, policy OddPolicy, leaves []Digest) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	t := NewTree(hasher, policy)
	t.levels[0] = append(make([]Digest, 0, len(leaves)), leaves...)
	for level := t.levels[0]; len(level) > 1; {
		next := make([]Digest, (len(level)+1)/2)
		for i := range next {
			next[i] = t.parent(level, i)
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// BuildRoot returns the root of the tree over leaves.
func BuildRoot(hasher Hasher, policy OddPolicy, leaves []Digest) (Digest, error) {
	t, err := Build(hasher, policy, leaves)
	if err != nil {
		return Digest{}, err
	}
	return t.Root()
}

// Policy returns the odd-node policy of the tree.
func (t *Tree) Policy() OddPolicy {
	return t.policy
}

// Hasher returns the hasher of the tree.
func (t *Tree) Hasher() Hasher {
	return t.hasher
}

// Size returns the number of leaves.
func (t *Tree) Size() uint64 {
	return uint64(len(t.levels[0]))
}

// Append adds a leaf and recomputes only its ancestors. It returns the index
// of the new leaf.
func (t *Tree) Append(leaf Digest) uint64 {
	t.levels[0] = append(t.levels[0], leaf)
	index := len(t.levels[0]) - 1

	i := index
	for l := 0; len(t.levels[l]) > 1; l++ {
		p := i / 2
		node := t.parent(t.levels[l], p)
		if l+1 == len(t.levels) {
			t.levels = append(t.levels, nil)
		}
		if p < len(t.levels[l+1]) {
			t.levels[l+1][p] = node
		} else {
			t.levels[l+1] = append(t.levels[l+1], node)
		}
		i = p
	}
	return uint64(index)
}

// Truncate drops every leaf at or after size. It is used to undo an Append
// whose surrounding operation failed.
func (t *Tree) Truncate(size uint64) error {
	if size > t.Size() {
		return outOfRange(size, t.Size())
	}
	if size == t.Size() {
		return nil
	}
	if size == 0 {
		t.levels = [][]Digest{nil}
		return nil
	}
	rebuilt, err := Build(t.hasher, t.policy, t.levels[0][:size])
	if err != nil {
		return err
	}
	t.levels = rebuilt.levels
	return nil
}

// Root returns the root digest. A single-leaf tree's root is the leaf itself.
func (t *Tree) Root() (Digest, error) {
	if t.Size() == 0 {
		return Digest{}, ErrEmptyTree
	}
	return t.levels[len(t.levels)-1][0], nil
}

// Leaf returns the leaf digest at index.
func (t *Tree) Leaf(index uint64) (Digest, error) {
	if err := t.checkIndex(index); err != nil {
		return Digest{}, err
	}
	return t.levels[0][index], nil
}

// Leaves returns a copy of the leaf sequence.
func (t *Tree) Leaves() []Digest {
	return append([]Digest(nil), t.levels[0]...)
}

// Prove returns the authentication path for the leaf at index.
func (t *Tree) Prove(index uint64) (Path, error) {
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	path := make(Path, 0, len(t.levels)-1)
	idx := int(index)
	for l := 0; l < len(t.levels)-1; l++ {
		level := t.levels[l]
		sib := idx ^ 1
		switch {
		case sib < len(level):
			side := SideRight
			if idx%2 == 1 {
				side = SideLeft
			}
			path = append(path, Step{Sibling: level[sib], Side: side})
		case t.policy == OddDuplicate:
			path = append(path, Step{Sibling: level[idx], Side: SideRight})
		}
		idx /= 2
	}
	return path, nil
}

func (t *Tree) parent(level []Digest, i int) Digest {
	left, right := 2*i, 2*i+1
	if right < len(level) {
		return t.hasher.Combine(level[left], level[right])
	}
	if t.policy == OddDuplicate {
		return t.hasher.Combine(level[left], level[left])
	}
	return level[left]
}

func (t *Tree) checkIndex(index uint64) error {
	size := t.Size()
	if size == 0 {
		return ErrEmptyTree
	}
	if index >= size {
		return outOfRange(index, size)
	}
	return nil
}

// ExpectedSides returns the side sequence a valid path for (index, size) must
// have under policy.
func ExpectedSides(policy OddPolicy, index, size uint64) ([]Side, error) {
	if size == 0 {
		return nil, ErrEmptyTree
	}
	if index >= size {
		return nil, outOfRange(index, size)
	}
	var sides []Side
	for n := size; n > 1; n = (n + 1) / 2 {
		sib := index ^ 1
		switch {
		case sib < n:
			if index%2 == 1 {
				sides = append(sides, SideLeft)
			} else {
				sides = append(sides, SideRight)
			}
		case policy == OddDuplicate:
			sides = append(sides, SideRight)
		}
		index /= 2
	}
	return sides, nil
}

func outOfRange(index, size uint64) error {
	return xerrors.New(CodeIndexOutOfRange,
		fmt.Sprintf("leaf index %d out of range for tree of size %d", index, size),
		xerrors.WithMetadata("index", strconv.FormatUint(index, 10)),
		xerrors.WithMetadata("size", strconv.FormatUint(size, 10)),
	)
}
