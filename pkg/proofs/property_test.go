package proofs_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"Aegis-Evaluator/pkg/proofs"
)

func leavesFrom(h proofs.Hasher, labels []string) []proofs.Digest {
	out := make([]proofs.Digest, len(labels))
	for i, l := range labels {
		out[i] = h.Sum([]byte(l))
	}
	return out
}

// Property: every leaf of every tree has a proof that verifies against the root.
func TestProofSoundness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	h := proofs.DefaultHasher()

	for _, policy := range []proofs.OddPolicy{proofs.OddPromote, proofs.OddDuplicate} {
		policy := policy
		properties.Property("proofs verify under "+string(policy), prop.ForAll(
			func(labels []string) bool {
				if len(labels) == 0 {
					return true
				}
				leaves := leavesFrom(h, labels)
				tree, err := proofs.Build(h, policy, leaves)
				if err != nil {
					return false
				}
				root, err := tree.Root()
				if err != nil {
					return false
				}
				for i, leaf := range leaves {
					path, err := tree.Prove(uint64(i))
					if err != nil {
						return false
					}
					ok, err := proofs.VerifyProof(h, policy, proofs.Proof{
						Leaf: leaf, Index: uint64(i), Size: tree.Size(), Path: path, Root: root,
					})
					if err != nil || !ok {
						return false
					}
				}
				return true
			},
			gen.SliceOf(gen.AlphaString()),
		))
	}

	properties.TestingRun(t)
}

// Property: appending leaves one by one yields the same root as building at once.
func TestIncrementalRootDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	h := proofs.DefaultHasher()

	properties.Property("append equals build", prop.ForAll(
		func(labels []string) bool {
			if len(labels) == 0 {
				return true
			}
			leaves := leavesFrom(h, labels)
			tree := proofs.NewTree(h, proofs.OddPromote)
			for _, leaf := range leaves {
				tree.Append(leaf)
			}
			incremental, err := tree.Root()
			if err != nil {
				return false
			}
			rebuilt, err := proofs.BuildRoot(h, proofs.OddPromote, leaves)
			if err != nil {
				return false
			}
			return incremental == rebuilt
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("feature digest is deterministic", prop.ForAll(
		func(quest, agent uint64, conf int) bool {
			enc, err := proofs.NewEncoder(h, "")
			if err != nil {
				return false
			}
			f := proofs.Features{QuestID: quest, AgentID: agent, Confidence: conf}
			a, errA := enc.FeatureDigest(f)
			b, errB := enc.FeatureDigest(f)
			return errA == nil && errB == nil && a == b
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.IntRange(proofs.MinConfidence, proofs.MaxConfidence),
	))

	properties.TestingRun(t)
}
