package proofs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// MinConfidence and MaxConfidence bound every committed score.
const (
	MinConfidence = 0
	MaxConfidence = 100
)

// Features are the fields of an evaluation that get committed to the tree.
type Features struct {
	QuestID    uint64
	AgentID    uint64
	Confidence int
}

// Encoding selects the canonical byte form of Features.
type Encoding string

const (
	// EncodingDelimited renders "quest:<q>|agent:<a>|conf:<c>" with base-10 fields.
	EncodingDelimited Encoding = "delimited"
	// EncodingJCS renders RFC 8785 canonical JSON.
	EncodingJCS Encoding = "jcs"
)

// ParseEncoding validates an encoding name. An empty name selects EncodingDelimited.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(strings.ToLower(strings.TrimSpace(name))) {
	case "", EncodingDelimited:
		return EncodingDelimited, nil
	case EncodingJCS:
		return EncodingJCS, nil
	default:
		return "", fmt.Errorf("unsupported feature encoding %q", name)
	}
}

// Encoder turns Features into a feature digest and a leaf digest.
type Encoder struct {
	hasher   Hasher
	encoding Encoding
}

// NewEncoder builds an encoder for the given hasher and encoding name.
func NewEncoder(hasher Hasher, encoding string) (*Encoder, error) {
	enc, err := ParseEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &Encoder{hasher: hasher, encoding: enc}, nil
}

// Hasher returns the hasher used by the encoder.
func (e *Encoder) Hasher() Hasher {
	return e.hasher
}

// Encoding returns the configured encoding.
func (e *Encoder) Encoding() Encoding {
	return e.encoding
}

// Encode returns the canonical bytes of f.
func (e *Encoder) Encode(f Features) ([]byte, error) {
	if f.Confidence < MinConfidence || f.Confidence > MaxConfidence {
		return nil, malformedFeatures(f)
	}
	switch e.encoding {
	case EncodingJCS:
		raw, err := json.Marshal(map[string]any{
			"quest_id":   f.QuestID,
			"agent_id":   f.AgentID,
			"confidence": f.Confidence,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal features: %w", err)
		}
		return jcs.Transform(raw)
	default:
		buf := make([]byte, 0, 48)
		buf = append(buf, "quest:"...)
		buf = strconv.AppendUint(buf, f.QuestID, 10)
		buf = append(buf, "|agent:"...)
		buf = strconv.AppendUint(buf, f.AgentID, 10)
		buf = append(buf, "|conf:"...)
		buf = strconv.AppendInt(buf, int64(f.Confidence), 10)
		return buf, nil
	}
}

// FeatureDigest is Digest(Encode(f)). This is the value published as features_hash.
func (e *Encoder) FeatureDigest(f Features) (Digest, error) {
	encoded, err := e.Encode(f)
	if err != nil {
		return Digest{}, err
	}
	return e.hasher.Sum(encoded), nil
}

// LeafDigest hashes a feature digest a second time so it can never be confused
// with an internal node in a proof.
func (e *Encoder) LeafDigest(feature Digest) Digest {
	return e.hasher.Sum(feature[:])
}

// Commit returns both the feature digest and the leaf digest for f.
func (e *Encoder) Commit(f Features) (feature, leaf Digest, err error) {
	feature, err = e.FeatureDigest(f)
	if err != nil {
		return Digest{}, Digest{}, err
	}
	return feature, e.LeafDigest(feature), nil
}
