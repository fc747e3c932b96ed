package evaluator

import (
	"Aegis-Evaluator/pkg/proofs"
)

// Request 描述一次待评估的智能体输出。
type Request struct {
	QuestID     uint64 `json:"quest_id"`
	AgentID     uint64 `json:"agent_id"`
	AgentOutput string `json:"agent_output" validate:"notblank"`
}

// Response 为评估结果及其 Merkle 证明。features_hash 为特征的单次摘要，
// leaf_hash 为其二次摘要，也是树中的叶子。
type Response struct {
	EvaluationID  string      `json:"evaluation_id"`
	QuestID       uint64      `json:"quest_id"`
	AgentID       uint64      `json:"agent_id"`
	Confidence    int         `json:"confidence"`
	Success       bool        `json:"success"`
	FeaturesHash  string      `json:"features_hash"`
	LeafHash      string      `json:"leaf_hash"`
	MerkleRoot    string      `json:"merkle_root"`
	MerkleProof   []string    `json:"merkle_proof"`
	MerklePath    proofs.Path `json:"merkle_path"`
	LeafIndex     uint64      `json:"leaf_index"`
	TreeSize      uint64      `json:"tree_size"`
	HashAlgorithm string      `json:"hash_algorithm"`
	OddPolicy     string      `json:"odd_policy"`
	Encoding      string      `json:"encoding"`
	CreatedAt     int64       `json:"created_at"`
}

// TreeState 描述当前累积树。
type TreeState struct {
	Mode          string `json:"mode"`
	Size          uint64 `json:"tree_size"`
	MerkleRoot    string `json:"merkle_root,omitempty"`
	HashAlgorithm string `json:"hash_algorithm"`
	OddPolicy     string `json:"odd_policy"`
	Encoding      string `json:"encoding"`
}

// ProofResponse 为某个叶子针对当前根的证明。
type ProofResponse struct {
	LeafIndex     uint64      `json:"leaf_index"`
	TreeSize      uint64      `json:"tree_size"`
	LeafHash      string      `json:"leaf_hash"`
	MerkleRoot    string      `json:"merkle_root"`
	MerkleProof   []string    `json:"merkle_proof"`
	MerklePath    proofs.Path `json:"merkle_path"`
	HashAlgorithm string      `json:"hash_algorithm"`
	OddPolicy     string      `json:"odd_policy"`
}

// VerifyRequest 为待校验的证明。叶子可直接给出，也可由 features_hash 推导；
// 路径可以是带方向的 merkle_path，也可以是配合 leaf_index 与 tree_size 的 merkle_proof。
type VerifyRequest struct {
	LeafHash     string      `json:"leaf_hash,omitempty"`
	FeaturesHash string      `json:"features_hash,omitempty"`
	MerkleRoot   string      `json:"merkle_root"`
	MerklePath   proofs.Path `json:"merkle_path,omitempty"`
	MerkleProof  []string    `json:"merkle_proof,omitempty"`
	LeafIndex    *uint64     `json:"leaf_index,omitempty"`
	TreeSize     *uint64     `json:"tree_size,omitempty"`
}

// VerifyResult 为校验结果。
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	LeafHash string `json:"leaf_hash"`
}
