package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/observability/metrics"
	"Aegis-Evaluator/internal/storage"
	"Aegis-Evaluator/pkg/proofs"
)

// ErrTreeUnavailable 表示 per_request 模式下不存在累积树。
var ErrTreeUnavailable = xerrors.New(xerrors.CodeNotFound, "per_request 模式不维护累积树")

// Root 返回当前累积树的状态，空树的 merkle_root 为空。
func (e *Evaluator) Root() TreeState {
	state := TreeState{
		Mode:          e.mode,
		HashAlgorithm: string(e.hasher.Algorithm()),
		OddPolicy:     string(e.policy),
		Encoding:      string(e.encoder.Encoding()),
	}
	if e.mode == ModePerRequest {
		return state
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	state.Size = e.tree.Size()
	if root, err := e.tree.Root(); err == nil {
		state.MerkleRoot = root.Hex()
	}
	return state
}

// Proof 为 index 处的叶子生成针对当前根的证明。
func (e *Evaluator) Proof(index uint64) (*ProofResponse, error) {
	if e.mode == ModePerRequest {
		return nil, ErrTreeUnavailable
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	leaf, err := e.tree.Leaf(index)
	if err != nil {
		return nil, err
	}
	path, err := e.tree.Prove(index)
	if err != nil {
		return nil, err
	}
	root, err := e.tree.Root()
	if err != nil {
		return nil, err
	}
	return &ProofResponse{
		LeafIndex:     index,
		TreeSize:      e.tree.Size(),
		LeafHash:      leaf.Hex(),
		MerkleRoot:    root.Hex(),
		MerkleProof:   path.Hashes(),
		MerklePath:    path,
		HashAlgorithm: string(e.hasher.Algorithm()),
		OddPolicy:     string(e.policy),
	}, nil
}

// Lookup 根据评估 ID 查询账本记录。
func (e *Evaluator) Lookup(ctx context.Context, id string) (*storage.EvaluationRecord, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "评估 ID 不能为空")
	}
	return e.repo.Get(ctx, id)
}

// maxRecentLimit 限制单次查询返回的记录数。
const maxRecentLimit = 100

// Recent 按写入顺序倒序返回最近的评估记录，limit 为 0 时由存储层决定默认条数。
func (e *Evaluator) Recent(ctx context.Context, limit int) ([]storage.EvaluationRecord, error) {
	if limit < 0 || limit > maxRecentLimit {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("limit 必须在 [0,%d] 之间", maxRecentLimit),
			xerrors.WithMetadata("field", "limit"))
	}
	records, err := e.repo.ListLatest(ctx, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []storage.EvaluationRecord{}
	}
	return records, nil
}

// Verify 使用服务配置的摘要算法与奇数节点策略校验证明。给出 leaf_index 与
// tree_size 时先做结构校验。
func (e *Evaluator) Verify(req VerifyRequest) (*VerifyResult, error) {
	leaf, err := e.leafOf(req)
	if err != nil {
		return nil, err
	}
	root, err := proofs.ParseDigest(req.MerkleRoot)
	if err != nil {
		return nil, err
	}

	structured := req.LeafIndex != nil && req.TreeSize != nil
	path := req.MerklePath
	if len(path) == 0 && len(req.MerkleProof) > 0 {
		if !structured {
			return nil, xerrors.New(proofs.CodeMalformedProof, "merkle_proof 需要同时提供 leaf_index 与 tree_size")
		}
		path, err = proofs.PathFromHex(req.MerkleProof, e.policy, *req.LeafIndex, *req.TreeSize)
		if err != nil {
			return nil, err
		}
	}

	result := &VerifyResult{LeafHash: leaf.Hex()}
	if structured {
		ok, err := proofs.VerifyProof(e.hasher, e.policy, proofs.Proof{
			Leaf:  leaf,
			Index: *req.LeafIndex,
			Size:  *req.TreeSize,
			Path:  path,
			Root:  root,
		})
		if err != nil {
			return nil, err
		}
		result.Valid = ok
		return result, nil
	}
	result.Valid = proofs.Verify(e.hasher, leaf, path, root)
	return result, nil
}

func (e *Evaluator) leafOf(req VerifyRequest) (proofs.Digest, error) {
	switch {
	case req.LeafHash != "":
		return proofs.ParseDigest(req.LeafHash)
	case req.FeaturesHash != "":
		feature, err := proofs.ParseDigest(req.FeaturesHash)
		if err != nil {
			return proofs.Digest{}, err
		}
		return e.encoder.LeafDigest(feature), nil
	default:
		return proofs.Digest{}, xerrors.New(proofs.CodeMalformedProof, "需要提供 leaf_hash 或 features_hash")
	}
}

// Restore 按 leaf_index 顺序从账本重建累积树。索引必须连续、叶子必须由特征摘要推导得到，
// 且重建后的根必须等于最后一条记录保存的根，否则返回错误并保持空树。
func (e *Evaluator) Restore(ctx context.Context) (uint64, error) {
	if e.mode == ModePerRequest {
		return 0, nil
	}
	records, err := e.repo.ListLeaves(ctx)
	if err != nil {
		return 0, err
	}

	leaves := make([]proofs.Digest, 0, len(records))
	for i, record := range records {
		leaf, err := e.restoredLeaf(uint64(i), record)
		if err != nil {
			return 0, err
		}
		leaves = append(leaves, leaf)
	}

	tree := proofs.NewTree(e.hasher, e.policy)
	if len(leaves) > 0 {
		tree, err = proofs.Build(e.hasher, e.policy, leaves)
		if err != nil {
			return 0, err
		}
		root, _ := tree.Root()
		last := records[len(records)-1]
		if root.Hex() != last.MerkleRoot {
			return 0, restoreError(last, fmt.Sprintf("重建的根 %s 与记录的根 %s 不一致", root.Hex(), last.MerkleRoot))
		}
	}

	e.mu.Lock()
	e.tree = tree
	e.mu.Unlock()

	metrics.SetTreeSize(tree.Size())
	e.logger.Info("累积树已从账本恢复", slog.Uint64("tree_size", tree.Size()))
	return tree.Size(), nil
}

func (e *Evaluator) restoredLeaf(expected uint64, record storage.EvaluationRecord) (proofs.Digest, error) {
	if record.LeafIndex != expected {
		return proofs.Digest{}, restoreError(record, fmt.Sprintf("叶子索引不连续，期望 %d，实际 %d", expected, record.LeafIndex))
	}
	if record.TreeSize != expected+1 {
		return proofs.Digest{}, restoreError(record, fmt.Sprintf("tree_size %d 与索引 %d 不符", record.TreeSize, expected))
	}
	if record.HashAlgorithm != "" && record.HashAlgorithm != string(e.hasher.Algorithm()) {
		return proofs.Digest{}, restoreError(record, fmt.Sprintf("记录使用 %s，当前配置为 %s", record.HashAlgorithm, e.hasher.Algorithm()))
	}
	feature, err := proofs.ParseDigest(record.FeaturesHash)
	if err != nil {
		return proofs.Digest{}, restoreError(record, "features_hash 格式错误")
	}
	leaf, err := proofs.ParseDigest(record.LeafHash)
	if err != nil {
		return proofs.Digest{}, restoreError(record, "leaf_hash 格式错误")
	}
	if e.encoder.LeafDigest(feature) != leaf {
		return proofs.Digest{}, restoreError(record, "leaf_hash 不是 features_hash 的摘要")
	}
	return leaf, nil
}

func restoreError(record storage.EvaluationRecord, message string) error {
	return xerrors.New(xerrors.CodeStorageFailure, "恢复累积树失败: "+message,
		xerrors.WithMetadata("evaluation_id", record.ID),
		xerrors.WithMetadata("leaf_index", strconv.FormatUint(record.LeafIndex, 10)),
		xerrors.WithRetryable(false))
}
