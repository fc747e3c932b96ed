package evaluator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"Aegis-Evaluator/internal/anchor"
	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/observability/metrics"
	"Aegis-Evaluator/internal/scoring"
	"Aegis-Evaluator/internal/storage"
	"Aegis-Evaluator/pkg/logger"
	"Aegis-Evaluator/pkg/proofs"
)

// 建树模式。
const (
	ModeAccumulate = "accumulate"
	ModePerRequest = "per_request"
)

const defaultPassThreshold = 50

// Config 为评估器的构造参数，树相关字段在树的生命周期内不可更改。
type Config struct {
	HashAlgorithm  string
	OddPolicy      string
	Encoding       string
	Mode           string
	// PassThreshold 为 nil 时使用 50，0 表示任意分数都判定为通过。
	PassThreshold  *int
	MaxOutputBytes int
	ScoringTimeout time.Duration
}

// Dispatcher 接收已提交的根，投递失败由实现方自行记录。
type Dispatcher interface {
	Dispatch(ctx context.Context, s anchor.Summary) error
}

// Evaluator 协调打分、摘要、建树与持久化，是系统的业务核心。
type Evaluator struct {
	scorer     scoring.Scorer
	encoder    *proofs.Encoder
	hasher     proofs.Hasher
	policy     proofs.OddPolicy
	mode       string
	pass       int
	maxBytes   int
	timeout    time.Duration
	repo       storage.Repository
	dispatcher Dispatcher
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string

	mu   sync.RWMutex
	tree *proofs.Tree
}

// Option 定义可选的 Evaluator 配置。
type Option func(*Evaluator)

// WithRepository 配置评估账本。
func WithRepository(repo storage.Repository) Option {
	return func(e *Evaluator) {
		e.repo = repo
	}
}

// WithDispatcher 配置锚定投递。
func WithDispatcher(d Dispatcher) Option {
	return func(e *Evaluator) {
		e.dispatcher = d
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator 替换评估 ID 生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(e *Evaluator) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// New 创建一个 Evaluator。
func New(cfg Config, scorer scoring.Scorer, opts ...Option) (*Evaluator, error) {
	if scorer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置评分器")
	}
	hasher, err := proofs.NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "摘要算法配置错误")
	}
	policy, err := proofs.ParseOddPolicy(cfg.OddPolicy)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "奇数节点策略配置错误")
	}
	encoder, err := proofs.NewEncoder(hasher, cfg.Encoding)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "特征编码配置错误")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "":
		mode = ModeAccumulate
	case ModeAccumulate, ModePerRequest:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的建树模式 %q", cfg.Mode))
	}
	pass := defaultPassThreshold
	if cfg.PassThreshold != nil {
		pass = *cfg.PassThreshold
	}
	if pass < proofs.MinConfidence || pass > proofs.MaxConfidence {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("pass_threshold %d 超出 [0,100]", pass))
	}

	e := &Evaluator{
		scorer:   scorer,
		encoder:  encoder,
		hasher:   hasher,
		policy:   policy,
		mode:     mode,
		pass:     pass,
		maxBytes: cfg.MaxOutputBytes,
		timeout:  cfg.ScoringTimeout,
		logger:   logger.Named("evaluator"),
		tracer:   otel.Tracer("Aegis-Evaluator/internal/evaluator"),
		now:      time.Now,
		newID:    uuid.NewString,
		tree:     proofs.NewTree(hasher, policy),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.repo == nil {
		e.repo = storage.NewMemoryRepository()
	}
	return e, nil
}

// Evaluate 校验请求、打分并将结果提交到 Merkle 树，返回根与证明。
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "evaluator.Evaluate", trace.WithAttributes(
		attribute.Int64("aegis.quest_id", int64(req.QuestID)),
		attribute.Int64("aegis.agent_id", int64(req.AgentID)),
	))
	defer span.End()

	if err := validate(req, e.maxBytes); err != nil {
		metrics.ObserveEvaluation(metrics.OutcomeRejected, 0, time.Since(start))
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	resp, err := e.evaluate(ctx, req)
	if err != nil {
		metrics.ObserveEvaluation(metrics.OutcomeFailed, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
		e.logger.Warn("评估失败",
			slog.Uint64("quest_id", req.QuestID),
			slog.Uint64("agent_id", req.AgentID),
			xerrors.Attr(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("aegis.confidence", resp.Confidence),
		attribute.Int64("aegis.leaf_index", int64(resp.LeafIndex)),
		attribute.String("aegis.merkle_root", resp.MerkleRoot),
	)
	metrics.ObserveEvaluation(metrics.OutcomeCommitted, resp.Confidence, time.Since(start))
	logger.Audit().Info("evaluation committed",
		slog.String("evaluation_id", resp.EvaluationID),
		slog.Uint64("quest_id", resp.QuestID),
		slog.Uint64("agent_id", resp.AgentID),
		slog.Int("confidence", resp.Confidence),
		slog.Bool("success", resp.Success),
		slog.String("features_hash", resp.FeaturesHash),
		slog.String("merkle_root", resp.MerkleRoot),
		slog.Uint64("leaf_index", resp.LeafIndex),
	)

	e.dispatch(ctx, resp)
	return resp, nil
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) (*Response, error) {
	score, err := e.score(ctx, req)
	if err != nil {
		return nil, err
	}

	feature, leaf, err := e.encoder.Commit(proofs.Features{
		QuestID:    req.QuestID,
		AgentID:    req.AgentID,
		Confidence: score,
	})
	if err != nil {
		return nil, err
	}

	resp := &Response{
		EvaluationID:  e.newID(),
		QuestID:       req.QuestID,
		AgentID:       req.AgentID,
		Confidence:    score,
		Success:       score >= e.pass,
		FeaturesHash:  feature.Hex(),
		LeafHash:      leaf.Hex(),
		HashAlgorithm: string(e.hasher.Algorithm()),
		OddPolicy:     string(e.policy),
		Encoding:      string(e.encoder.Encoding()),
		CreatedAt:     e.now().Unix(),
	}

	if e.mode == ModePerRequest {
		err = e.commitSingle(ctx, resp, leaf)
	} else {
		err = e.commitAccumulated(ctx, resp, leaf)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Evaluator) score(ctx context.Context, req Request) (int, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.Score", trace.WithAttributes(attribute.String("aegis.scorer", e.scorer.Name())))
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	score, err := e.scorer.Score(ctx, scoring.Input{QuestID: req.QuestID, AgentID: req.AgentID, Output: req.AgentOutput})
	if err != nil {
		span.RecordError(err)
		if _, ok := xerrors.From(err); ok {
			return 0, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "评分超时")
		}
		return 0, xerrors.Wrap(xerrors.CodeScoringFailure, err, "评分失败")
	}
	if score < proofs.MinConfidence || score > proofs.MaxConfidence {
		return 0, xerrors.New(xerrors.CodeScoringFailure,
			fmt.Sprintf("评分器 %s 返回 %d，超出 [0,100]", e.scorer.Name(), score),
			xerrors.WithRetryable(false))
	}
	return score, nil
}

// commitAccumulated 在写锁内完成持久化、追加叶子与生成证明，持久化失败时回滚叶子。
func (e *Evaluator) commitAccumulated(ctx context.Context, resp *Response, leaf proofs.Digest) error {
	_, span := e.tracer.Start(ctx, "evaluator.Commit")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	prevSize := e.tree.Size()
	index := e.tree.Append(leaf)
	root, err := e.tree.Root()
	if err != nil {
		_ = e.tree.Truncate(prevSize)
		return err
	}
	path, err := e.tree.Prove(index)
	if err != nil {
		_ = e.tree.Truncate(prevSize)
		return err
	}

	resp.LeafIndex = index
	resp.TreeSize = e.tree.Size()
	resp.MerkleRoot = root.Hex()
	resp.MerklePath = path
	resp.MerkleProof = path.Hashes()

	if err := e.repo.Append(ctx, e.recordOf(resp)); err != nil {
		_ = e.tree.Truncate(prevSize)
		span.RecordError(err)
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存评估记录失败")
	}
	metrics.SetTreeSize(e.tree.Size())
	return nil
}

// commitSingle 为单次请求建立只有一个叶子的树，根即叶子，路径为空。
func (e *Evaluator) commitSingle(ctx context.Context, resp *Response, leaf proofs.Digest) error {
	tree, err := proofs.Build(e.hasher, e.policy, []proofs.Digest{leaf})
	if err != nil {
		return err
	}
	root, err := tree.Root()
	if err != nil {
		return err
	}
	path, err := tree.Prove(0)
	if err != nil {
		return err
	}
	resp.LeafIndex = 0
	resp.TreeSize = tree.Size()
	resp.MerkleRoot = root.Hex()
	resp.MerklePath = path
	resp.MerkleProof = path.Hashes()

	if err := e.repo.Append(ctx, e.recordOf(resp)); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存评估记录失败")
	}
	return nil
}

func (e *Evaluator) recordOf(resp *Response) storage.EvaluationRecord {
	status := anchor.StatusSkipped
	if e.dispatcher != nil {
		status = anchor.StatusPending
	}
	return storage.EvaluationRecord{
		ID:            resp.EvaluationID,
		LeafIndex:     resp.LeafIndex,
		QuestID:       resp.QuestID,
		AgentID:       resp.AgentID,
		Confidence:    resp.Confidence,
		Success:       resp.Success,
		FeaturesHash:  resp.FeaturesHash,
		LeafHash:      resp.LeafHash,
		MerkleRoot:    resp.MerkleRoot,
		TreeSize:      resp.TreeSize,
		HashAlgorithm: resp.HashAlgorithm,
		AnchorStatus:  status,
		CreatedAt:     resp.CreatedAt,
		UpdatedAt:     resp.CreatedAt,
	}
}

// dispatch 将摘要交给锚定队列，失败只记录日志，不影响评估结果。
func (e *Evaluator) dispatch(ctx context.Context, resp *Response) {
	if e.dispatcher == nil {
		return
	}
	err := e.dispatcher.Dispatch(ctx, anchor.Summary{
		EvaluationID: resp.EvaluationID,
		QuestID:      resp.QuestID,
		AgentID:      resp.AgentID,
		Confidence:   resp.Confidence,
		Success:      resp.Success,
		MerkleRoot:   resp.MerkleRoot,
		FeaturesHash: resp.FeaturesHash,
		LeafIndex:    resp.LeafIndex,
	})
	if err != nil {
		e.logger.Debug("锚定投递失败，评估结果不受影响",
			slog.String("evaluation_id", resp.EvaluationID),
			xerrors.Attr(err))
	}
}
