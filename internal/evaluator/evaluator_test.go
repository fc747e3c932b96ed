package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Aegis-Evaluator/internal/anchor"
	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/scoring"
	"Aegis-Evaluator/internal/storage"
	"Aegis-Evaluator/pkg/proofs"
)

func lengthScorer(t *testing.T) scoring.Scorer {
	t.Helper()
	s, err := scoring.NewLengthScorer(scoring.LengthPolicy{MinLength: 10, LowConfidence: 40, HighConfidence: 90})
	require.NoError(t, err)
	return s
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("eval-%d", n.Add(1)) }
}

func newEvaluator(t *testing.T, cfg Config, opts ...Option) *Evaluator {
	t.Helper()
	opts = append([]Option{
		WithIDGenerator(sequentialIDs()),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	}, opts...)
	e, err := New(cfg, lengthScorer(t), opts...)
	require.NoError(t, err)
	return e
}

type stubScorer struct {
	score int
	err   error
	block bool
	calls atomic.Int32
}

func (s *stubScorer) Name() string { return "stub" }

func (s *stubScorer) Score(ctx context.Context, _ scoring.Input) (int, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return s.score, s.err
}

type failingRepository struct {
	*storage.MemoryRepository
}

func (failingRepository) Append(context.Context, storage.EvaluationRecord) error {
	return errors.New("disk full")
}

type unreachableSink struct{}

func (unreachableSink) Name() string { return "unreachable" }

func (unreachableSink) Anchor(context.Context, anchor.Summary) (*anchor.Result, error) {
	return nil, errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
}

func verifyResponse(t *testing.T, resp *Response) {
	t.Helper()
	h, err := proofs.NewHasher(resp.HashAlgorithm)
	require.NoError(t, err)
	leaf, err := proofs.ParseDigest(resp.LeafHash)
	require.NoError(t, err)
	root, err := proofs.ParseDigest(resp.MerkleRoot)
	require.NoError(t, err)
	ok, err := proofs.VerifyProof(h, proofs.OddPolicy(resp.OddPolicy), proofs.Proof{
		Leaf: leaf, Index: resp.LeafIndex, Size: resp.TreeSize, Path: resp.MerklePath, Root: root,
	})
	require.NoError(t, err)
	require.True(t, ok, "proof for leaf %d must verify", resp.LeafIndex)
}

func TestEvaluateShortOutputScenario(t *testing.T) {
	e := newEvaluator(t, Config{})

	resp, err := e.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 2, AgentOutput: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 40, resp.Confidence)
	assert.False(t, resp.Success)
	assert.Equal(t, "a7f005ec70bf641266045348a8b964823e1a10a0fb36504cb5a88d048c7585f7", resp.FeaturesHash)
	assert.Equal(t, "6588f4d1980cfb32b80bd74718e9de0ba3c009159bebb13ace3db153495d6206", resp.LeafHash)
	assert.Equal(t, resp.LeafHash, resp.MerkleRoot, "first leaf is the root")
	assert.Empty(t, resp.MerkleProof)
	assert.NotNil(t, resp.MerkleProof)
	assert.Equal(t, uint64(0), resp.LeafIndex)
	assert.Equal(t, uint64(1), resp.TreeSize)
	assert.Equal(t, "sha256", resp.HashAlgorithm)
	assert.Equal(t, "delimited", resp.Encoding)
	assert.Equal(t, "eval-1", resp.EvaluationID)
	verifyResponse(t, resp)

	jcs := newEvaluator(t, Config{Encoding: "jcs"})
	resp, err = jcs.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 2, AgentOutput: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "jcs", resp.Encoding)
	assert.NotEqual(t, "a7f005ec70bf641266045348a8b964823e1a10a0fb36504cb5a88d048c7585f7", resp.FeaturesHash)
}

func intPtr(v int) *int { return &v }

func TestEvaluatePassThresholdZeroPassesEveryScore(t *testing.T) {
	e := newEvaluator(t, Config{PassThreshold: intPtr(0)})

	resp, err := e.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 2, AgentOutput: "short"})
	require.NoError(t, err)
	assert.Equal(t, 40, resp.Confidence)
	assert.True(t, resp.Success, "40 >= 0 must pass")

	strict := newEvaluator(t, Config{PassThreshold: intPtr(95)})
	resp, err = strict.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 2, AgentOutput: strings.Repeat("x", 50)})
	require.NoError(t, err)
	assert.Equal(t, 90, resp.Confidence)
	assert.False(t, resp.Success)
}

func TestEvaluateLongOutputGrowsTree(t *testing.T) {
	e := newEvaluator(t, Config{})
	ctx := context.Background()

	first, err := e.Evaluate(ctx, Request{QuestID: 1, AgentID: 2, AgentOutput: "hello"})
	require.NoError(t, err)
	second, err := e.Evaluate(ctx, Request{QuestID: 1, AgentID: 2, AgentOutput: strings.Repeat("x", 50)})
	require.NoError(t, err)

	assert.Equal(t, 90, second.Confidence)
	assert.True(t, second.Success)
	assert.NotEqual(t, first.MerkleRoot, second.MerkleRoot)
	assert.Equal(t, uint64(1), second.LeafIndex)
	assert.Equal(t, uint64(2), second.TreeSize)
	require.Len(t, second.MerklePath, 1)
	assert.Equal(t, first.LeafHash, second.MerklePath[0].Sibling.Hex())
	assert.Equal(t, proofs.SideLeft, second.MerklePath[0].Side)
	verifyResponse(t, second)

	proof, err := e.Proof(0)
	require.NoError(t, err)
	assert.Equal(t, second.MerkleRoot, proof.MerkleRoot, "earlier leaf proves against the current root")
	assert.Equal(t, first.LeafHash, proof.LeafHash)
}

func TestEvaluatePerRequestSingleLeaf(t *testing.T) {
	e := newEvaluator(t, Config{Mode: ModePerRequest})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := e.Evaluate(ctx, Request{QuestID: 9, AgentID: uint64(i + 1), AgentOutput: "a sufficiently long answer"})
		require.NoError(t, err)
		assert.Equal(t, resp.LeafHash, resp.MerkleRoot)
		assert.Empty(t, resp.MerklePath)
		assert.Equal(t, uint64(0), resp.LeafIndex)
		assert.Equal(t, uint64(1), resp.TreeSize)

		result, err := e.Verify(VerifyRequest{LeafHash: resp.LeafHash, MerkleRoot: resp.MerkleRoot})
		require.NoError(t, err)
		assert.True(t, result.Valid)

		other, err := e.Verify(VerifyRequest{LeafHash: resp.LeafHash, MerkleRoot: resp.FeaturesHash})
		require.NoError(t, err)
		assert.False(t, other.Valid, "empty path verifies only when root equals leaf")
	}

	_, err := e.Proof(0)
	assert.ErrorIs(t, err, ErrTreeUnavailable)
	assert.Equal(t, uint64(0), e.Root().Size)
	restored, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestEvaluateSurvivesUnreachableAnchorSink(t *testing.T) {
	repo := storage.NewMemoryRepository()
	queue := anchor.NewMemoryQueue(8)
	dispatcher := anchor.NewDispatcher(unreachableSink{}, queue,
		anchor.WithStatusRecorder(repo),
		anchor.WithSinkTimeout(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Start(ctx) }()

	e := newEvaluator(t, Config{}, WithRepository(repo), WithDispatcher(dispatcher))
	resp, err := e.Evaluate(context.Background(), Request{QuestID: 3, AgentID: 4, AgentOutput: "an answer that is long enough"})
	require.NoError(t, err)
	verifyResponse(t, resp)

	require.Eventually(t, func() bool {
		record, err := repo.Get(context.Background(), resp.EvaluationID)
		return err == nil && record.AnchorStatus == anchor.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	record, err := repo.Get(context.Background(), resp.EvaluationID)
	require.NoError(t, err)
	assert.Contains(t, record.AnchorDetail, "connection refused")
}

func TestEvaluateSurvivesClosedAnchorQueue(t *testing.T) {
	repo := storage.NewMemoryRepository()
	queue := anchor.NewMemoryQueue(1)
	require.NoError(t, queue.Close())
	dispatcher := anchor.NewDispatcher(unreachableSink{}, queue, anchor.WithStatusRecorder(repo))

	e := newEvaluator(t, Config{}, WithRepository(repo), WithDispatcher(dispatcher))
	resp, err := e.Evaluate(context.Background(), Request{QuestID: 3, AgentID: 4, AgentOutput: "short"})
	require.NoError(t, err)
	verifyResponse(t, resp)

	record, err := repo.Get(context.Background(), resp.EvaluationID)
	require.NoError(t, err)
	assert.Equal(t, anchor.StatusFailed, record.AnchorStatus)
}

func TestEvaluateRejectsInvalidRequests(t *testing.T) {
	scorer := &stubScorer{score: 50}
	e, err := New(Config{MaxOutputBytes: 16}, scorer)
	require.NoError(t, err)

	cases := map[string]Request{
		"empty":       {QuestID: 1, AgentID: 1, AgentOutput: ""},
		"blank":       {QuestID: 1, AgentID: 1, AgentOutput: " \n\t "},
		"over budget": {QuestID: 1, AgentID: 1, AgentOutput: strings.Repeat("y", 17)},
	}
	for name, req := range cases {
		_, err := e.Evaluate(context.Background(), req)
		require.Error(t, err, name)
		assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err), name)
	}
	assert.Zero(t, scorer.calls.Load(), "scorer must not run for invalid requests")
	assert.Zero(t, e.Root().Size)
}

func TestEvaluateAcceptsZeroIDs(t *testing.T) {
	e := newEvaluator(t, Config{})
	resp, err := e.Evaluate(context.Background(), Request{QuestID: 0, AgentID: 0, AgentOutput: "hello world!"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.QuestID)
	assert.Equal(t, uint64(0), resp.AgentID)
	assert.Equal(t, 90, resp.Confidence)
	verifyResponse(t, resp)
}

func TestEvaluateValidationNamesField(t *testing.T) {
	e := newEvaluator(t, Config{})
	_, err := e.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 1})
	xerr, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, "agent_output", xerr.Metadata()["field"])
}

func TestEvaluateScorerFailures(t *testing.T) {
	ctx := context.Background()

	outOfRange, err := New(Config{}, &stubScorer{score: 101})
	require.NoError(t, err)
	_, err = outOfRange.Evaluate(ctx, Request{QuestID: 1, AgentID: 1, AgentOutput: "x"})
	assert.Equal(t, xerrors.CodeScoringFailure, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))

	broken, err := New(Config{}, &stubScorer{err: errors.New("model offline")})
	require.NoError(t, err)
	_, err = broken.Evaluate(ctx, Request{QuestID: 1, AgentID: 1, AgentOutput: "x"})
	assert.Equal(t, xerrors.CodeScoringFailure, xerrors.CodeOf(err))

	slow, err := New(Config{ScoringTimeout: 10 * time.Millisecond}, &stubScorer{block: true})
	require.NoError(t, err)
	_, err = slow.Evaluate(ctx, Request{QuestID: 1, AgentID: 1, AgentOutput: "x"})
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
	assert.Zero(t, slow.Root().Size)
}

func TestEvaluateRollsBackOnStorageFailure(t *testing.T) {
	e := newEvaluator(t, Config{}, WithRepository(failingRepository{storage.NewMemoryRepository()}))
	_, err := e.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 2, AgentOutput: "hello"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
	assert.Zero(t, e.Root().Size, "leaf must be removed when the record is not persisted")
}

func TestConcurrentEvaluationsShareOneTree(t *testing.T) {
	e := newEvaluator(t, Config{OddPolicy: "duplicate"})
	const n = 40

	var wg sync.WaitGroup
	responses := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = e.Evaluate(context.Background(), Request{
				QuestID: uint64(i + 1), AgentID: 7, AgentOutput: strings.Repeat("z", i+1),
			})
		}(i)
	}
	wg.Wait()

	leaves := make([]proofs.Digest, n)
	seen := make(map[uint64]bool, n)
	for i, resp := range responses {
		require.NoError(t, errs[i])
		require.False(t, seen[resp.LeafIndex], "leaf index %d assigned twice", resp.LeafIndex)
		seen[resp.LeafIndex] = true
		verifyResponse(t, resp)
		leaf, err := proofs.ParseDigest(resp.LeafHash)
		require.NoError(t, err)
		leaves[resp.LeafIndex] = leaf
	}

	want, err := proofs.BuildRoot(proofs.DefaultHasher(), proofs.OddDuplicate, leaves)
	require.NoError(t, err)
	state := e.Root()
	assert.Equal(t, uint64(n), state.Size)
	assert.Equal(t, want.Hex(), state.MerkleRoot)
}

func TestRestoreRebuildsTree(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	original := newEvaluator(t, Config{}, WithRepository(repo))
	for i := 0; i < 5; i++ {
		_, err := original.Evaluate(ctx, Request{QuestID: uint64(i + 1), AgentID: 1, AgentOutput: strings.Repeat("q", (i+1)*5)})
		require.NoError(t, err)
	}

	restarted := newEvaluator(t, Config{}, WithRepository(repo))
	size, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
	assert.Equal(t, original.Root(), restarted.Root())

	next, err := restarted.Evaluate(ctx, Request{QuestID: 6, AgentID: 1, AgentOutput: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next.LeafIndex)
	verifyResponse(t, next)
}

func TestRestoreRejectsInconsistentLedger(t *testing.T) {
	ctx := context.Background()
	h := proofs.DefaultHasher()
	enc, err := proofs.NewEncoder(h, "")
	require.NoError(t, err)
	feature, leaf, err := enc.Commit(proofs.Features{QuestID: 1, AgentID: 2, Confidence: 40})
	require.NoError(t, err)

	base := storage.EvaluationRecord{
		ID: "r0", LeafIndex: 0, TreeSize: 1, QuestID: 1, AgentID: 2, Confidence: 40,
		FeaturesHash: feature.Hex(), LeafHash: leaf.Hex(), MerkleRoot: leaf.Hex(), HashAlgorithm: "sha256",
	}

	cases := map[string]func(r *storage.EvaluationRecord){
		"gap":          func(r *storage.EvaluationRecord) { r.LeafIndex = 1; r.TreeSize = 2 },
		"root":         func(r *storage.EvaluationRecord) { r.MerkleRoot = feature.Hex() },
		"leaf":         func(r *storage.EvaluationRecord) { r.LeafHash = feature.Hex() },
		"algorithm":    func(r *storage.EvaluationRecord) { r.HashAlgorithm = "keccak256" },
		"bad features": func(r *storage.EvaluationRecord) { r.FeaturesHash = "zz" },
	}
	for name, mutate := range cases {
		repo := storage.NewMemoryRepository()
		record := base
		mutate(&record)
		require.NoError(t, repo.Append(ctx, record), name)

		e := newEvaluator(t, Config{}, WithRepository(repo))
		_, err := e.Restore(ctx)
		require.Error(t, err, name)
		assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err), name)
		assert.Zero(t, e.Root().Size, name)
	}
}

func TestVerifyRequests(t *testing.T) {
	e := newEvaluator(t, Config{})
	ctx := context.Background()
	var last *Response
	for i := 0; i < 6; i++ {
		resp, err := e.Evaluate(ctx, Request{QuestID: uint64(i + 1), AgentID: 3, AgentOutput: strings.Repeat("w", i*4+1)})
		require.NoError(t, err)
		last = resp
	}
	proof, err := e.Proof(2)
	require.NoError(t, err)
	index, size := proof.LeafIndex, proof.TreeSize

	byPath, err := e.Verify(VerifyRequest{LeafHash: proof.LeafHash, MerkleRoot: proof.MerkleRoot, MerklePath: proof.MerklePath})
	require.NoError(t, err)
	assert.True(t, byPath.Valid)

	byHex, err := e.Verify(VerifyRequest{
		LeafHash: proof.LeafHash, MerkleRoot: proof.MerkleRoot, MerkleProof: proof.MerkleProof,
		LeafIndex: &index, TreeSize: &size,
	})
	require.NoError(t, err)
	assert.True(t, byHex.Valid)

	byFeatures, err := e.Verify(VerifyRequest{FeaturesHash: last.FeaturesHash, MerkleRoot: last.MerkleRoot, MerklePath: last.MerklePath})
	require.NoError(t, err)
	assert.True(t, byFeatures.Valid)
	assert.Equal(t, last.LeafHash, byFeatures.LeafHash)

	wrongRoot, err := e.Verify(VerifyRequest{LeafHash: proof.LeafHash, MerkleRoot: last.LeafHash, MerklePath: proof.MerklePath})
	require.NoError(t, err)
	assert.False(t, wrongRoot.Valid)

	_, err = e.Verify(VerifyRequest{MerkleRoot: proof.MerkleRoot})
	assert.Equal(t, proofs.CodeMalformedProof, xerrors.CodeOf(err))

	_, err = e.Verify(VerifyRequest{LeafHash: proof.LeafHash, MerkleRoot: proof.MerkleRoot, MerkleProof: proof.MerkleProof})
	assert.Equal(t, proofs.CodeMalformedProof, xerrors.CodeOf(err))

	_, err = e.Verify(VerifyRequest{LeafHash: "abc", MerkleRoot: proof.MerkleRoot})
	assert.Equal(t, proofs.CodeMalformedProof, xerrors.CodeOf(err))

	_, err = e.Proof(size)
	assert.Equal(t, proofs.CodeIndexOutOfRange, xerrors.CodeOf(err))
}

func TestLookup(t *testing.T) {
	e := newEvaluator(t, Config{})
	resp, err := e.Evaluate(context.Background(), Request{QuestID: 1, AgentID: 2, AgentOutput: "hello"})
	require.NoError(t, err)

	record, err := e.Lookup(context.Background(), resp.EvaluationID)
	require.NoError(t, err)
	assert.Equal(t, resp.MerkleRoot, record.MerkleRoot)
	assert.Equal(t, anchor.StatusSkipped, record.AnchorStatus)

	_, err = e.Lookup(context.Background(), "nope")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestRecentListsNewestFirst(t *testing.T) {
	e := newEvaluator(t, Config{})
	records, err := e.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records)

	for i := range 3 {
		_, err := e.Evaluate(context.Background(), Request{QuestID: uint64(i), AgentID: 1, AgentOutput: "hello"})
		require.NoError(t, err)
	}
	records, err = e.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "eval-3", records[0].ID)
	assert.Equal(t, "eval-2", records[1].ID)

	for _, limit := range []int{-1, maxRecentLimit + 1} {
		_, err := e.Recent(context.Background(), limit)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err), "limit %d", limit)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	s := &stubScorer{}
	for name, cfg := range map[string]Config{
		"algorithm": {HashAlgorithm: "md5"},
		"policy":    {OddPolicy: "pad"},
		"encoding":  {Encoding: "xml"},
		"mode":      {Mode: "forest"},
		"threshold": {PassThreshold: intPtr(101)},
	} {
		_, err := New(cfg, s)
		assert.Error(t, err, name)
	}
	_, err := New(Config{}, nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
