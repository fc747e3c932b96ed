package proofs

import (
	"testing"

	xerrors "Aegis-Evaluator/internal/errors"
)

func TestDelimitedEncodingMatchesReference(t *testing.T) {
	enc, err := NewEncoder(DefaultHasher(), "")
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}

	raw, err := enc.Encode(Features{QuestID: 1, AgentID: 2, Confidence: 40})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != "quest:1|agent:2|conf:40" {
		t.Fatalf("unexpected encoding %q", raw)
	}

	feature, leaf, err := enc.Commit(Features{QuestID: 1, AgentID: 2, Confidence: 40})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if feature.Hex() != "a7f005ec70bf641266045348a8b964823e1a10a0fb36504cb5a88d048c7585f7" {
		t.Fatalf("unexpected feature digest %s", feature)
	}
	if leaf.Hex() != "6588f4d1980cfb32b80bd74718e9de0ba3c009159bebb13ace3db153495d6206" {
		t.Fatalf("unexpected leaf digest %s", leaf)
	}
	if feature == leaf {
		t.Fatalf("feature and leaf digests must differ")
	}
}

func TestJCSEncoding(t *testing.T) {
	enc, err := NewEncoder(DefaultHasher(), "jcs")
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	raw, err := enc.Encode(Features{QuestID: 1, AgentID: 2, Confidence: 40})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"agent_id":2,"confidence":40,"quest_id":1}` {
		t.Fatalf("unexpected canonical json %s", raw)
	}
	feature, err := enc.FeatureDigest(Features{QuestID: 1, AgentID: 2, Confidence: 40})
	if err != nil {
		t.Fatalf("feature digest: %v", err)
	}
	if feature.Hex() != "a5e47fe618245b88fbeccd75dc82830d0de661c9711495775e96b2f12d4e0c72" {
		t.Fatalf("unexpected jcs feature digest %s", feature)
	}
}

func TestEncoderDeterministicAndDistinct(t *testing.T) {
	enc, _ := NewEncoder(DefaultHasher(), "delimited")
	triples := []Features{
		{QuestID: 1, AgentID: 2, Confidence: 40},
		{QuestID: 1, AgentID: 2, Confidence: 90},
		{QuestID: 2, AgentID: 1, Confidence: 40},
		{QuestID: 12, AgentID: 3, Confidence: 40},
		{QuestID: 1, AgentID: 23, Confidence: 40},
	}
	seen := make(map[Digest]Features)
	for _, f := range triples {
		first, err := enc.FeatureDigest(f)
		if err != nil {
			t.Fatalf("digest %+v: %v", f, err)
		}
		second, _ := enc.FeatureDigest(f)
		if first != second {
			t.Fatalf("digest of %+v not deterministic", f)
		}
		if prev, ok := seen[first]; ok {
			t.Fatalf("collision between %+v and %+v", prev, f)
		}
		seen[first] = f
	}
}

func TestEncoderRejectsOutOfRangeConfidence(t *testing.T) {
	enc, _ := NewEncoder(DefaultHasher(), "")
	for _, c := range []int{-1, 101} {
		_, err := enc.FeatureDigest(Features{QuestID: 1, AgentID: 1, Confidence: c})
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("confidence %d: expected invalid argument, got %v", c, err)
		}
	}
	if _, err := NewEncoder(DefaultHasher(), "cbor"); err == nil {
		t.Fatalf("expected unsupported encoding error")
	}
	if _, err := enc.Encode(Features{Confidence: 100}); err != nil {
		t.Fatalf("boundary confidence rejected: %v", err)
	}
}
