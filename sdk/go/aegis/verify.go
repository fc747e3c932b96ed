package aegis

import (
	"fmt"

	"Aegis-Evaluator/pkg/proofs"
)

// VerifyOptions selects the digest settings a response is checked against.
// Empty fields fall back to the values reported in the response, then to the
// service defaults (sha256, promote, delimited).
type VerifyOptions struct {
	HashAlgorithm string
	OddPolicy     string
	Encoding      string
}

// VerifyResponse recomputes features_hash and leaf_hash from the response's
// (quest_id, agent_id, confidence) and checks that merkle_proof leads to
// merkle_root. It returns nil only if every check passes.
func VerifyResponse(ev Evaluation, opts VerifyOptions) error {
	algorithm := firstNonEmpty(opts.HashAlgorithm, ev.HashAlgorithm)
	hasher, err := proofs.NewHasher(algorithm)
	if err != nil {
		return err
	}
	policy, err := proofs.ParseOddPolicy(firstNonEmpty(opts.OddPolicy, ev.OddPolicy))
	if err != nil {
		return err
	}
	encoder, err := proofs.NewEncoder(hasher, firstNonEmpty(opts.Encoding, ev.Encoding))
	if err != nil {
		return err
	}

	feature, leaf, err := encoder.Commit(proofs.Features{
		QuestID:    ev.QuestID,
		AgentID:    ev.AgentID,
		Confidence: ev.Confidence,
	})
	if err != nil {
		return err
	}
	if feature.Hex() != ev.FeaturesHash {
		return fmt.Errorf("features_hash mismatch: computed %s, got %s", feature.Hex(), ev.FeaturesHash)
	}
	if ev.LeafHash != "" && leaf.Hex() != ev.LeafHash {
		return fmt.Errorf("leaf_hash mismatch: computed %s, got %s", leaf.Hex(), ev.LeafHash)
	}

	root, err := proofs.ParseDigest(ev.MerkleRoot)
	if err != nil {
		return err
	}
	path := ev.MerklePath
	if len(path) == 0 && len(ev.MerkleProof) > 0 {
		path, err = proofs.PathFromHex(ev.MerkleProof, policy, ev.LeafIndex, ev.TreeSize)
		if err != nil {
			return err
		}
	}
	var ok bool
	if ev.TreeSize == 0 {
		ok = proofs.Verify(hasher, leaf, path, root)
	} else {
		ok, err = proofs.VerifyProof(hasher, policy, proofs.Proof{
			Leaf:  leaf,
			Index: ev.LeafIndex,
			Size:  ev.TreeSize,
			Path:  path,
			Root:  root,
		})
		if err != nil {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("merkle proof does not lead to root %s", ev.MerkleRoot)
	}
	return nil
}

// VerifyProof checks a proof returned by Client.Proof.
func VerifyProof(p Proof) error {
	hasher, err := proofs.NewHasher(p.HashAlgorithm)
	if err != nil {
		return err
	}
	policy, err := proofs.ParseOddPolicy(p.OddPolicy)
	if err != nil {
		return err
	}
	leaf, err := proofs.ParseDigest(p.LeafHash)
	if err != nil {
		return err
	}
	root, err := proofs.ParseDigest(p.MerkleRoot)
	if err != nil {
		return err
	}
	ok, err := proofs.VerifyProof(hasher, policy, proofs.Proof{
		Leaf:  leaf,
		Index: p.LeafIndex,
		Size:  p.TreeSize,
		Path:  p.MerklePath,
		Root:  root,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("proof for leaf %d does not lead to root %s", p.LeafIndex, p.MerkleRoot)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
