package proofs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// DigestSize is the fixed output length of every supported algorithm.
const DigestSize = 32

// Digest is a fixed-length hash output. It marshals to lowercase hex.
type Digest [DigestSize]byte

// Hex returns the lowercase hexadecimal form without a 0x prefix.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// Bytes returns a copy of the digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestSize)
	copy(out, d[:])
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64 character hex string, with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) != DigestSize*2 {
		return Digest{}, malformed("digest must be %d hex characters, got %d", DigestSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, malformed("digest is not valid hex: %v", err)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// DigestFromBytes copies a raw 32 byte slice into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	if len(b) != DigestSize {
		return Digest{}, malformed("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// Algorithm identifies a digest function. It must stay fixed for the lifetime
// of a tree: changing it invalidates every proof issued before.
type Algorithm string

const (
	AlgorithmSHA256     Algorithm = "sha256"
	AlgorithmKeccak256  Algorithm = "keccak256"
	AlgorithmBLAKE2b256 Algorithm = "blake2b-256"
)

// Algorithms lists the supported identifiers.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmSHA256, AlgorithmKeccak256, AlgorithmBLAKE2b256}
}

func supportedAlgorithms() string {
	names := make([]string, 0, len(Algorithms()))
	for _, alg := range Algorithms() {
		names = append(names, string(alg))
	}
	return strings.Join(names, ", ")
}

// Hasher computes digests with one algorithm. The zero value uses SHA-256.
type Hasher struct {
	alg Algorithm
	sum func([]byte) Digest
}

// NewHasher returns the hasher for the named algorithm. An empty name selects SHA-256.
func NewHasher(name string) (Hasher, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", AlgorithmSHA256:
		return DefaultHasher(), nil
	case AlgorithmKeccak256:
		return Hasher{alg: AlgorithmKeccak256, sum: func(b []byte) Digest { return Digest(crypto.Keccak256Hash(b)) }}, nil
	case AlgorithmBLAKE2b256:
		return Hasher{alg: AlgorithmBLAKE2b256, sum: func(b []byte) Digest { return blake2b.Sum256(b) }}, nil
	default:
		return Hasher{}, fmt.Errorf("unsupported hash algorithm %q (supported: %s)", name, supportedAlgorithms())
	}
}

// DefaultHasher returns the SHA-256 hasher.
func DefaultHasher() Hasher {
	return Hasher{alg: AlgorithmSHA256, sum: func(b []byte) Digest { return sha256.Sum256(b) }}
}

// Algorithm returns the identifier of the hasher.
func (h Hasher) Algorithm() Algorithm {
	if h.sum == nil {
		return AlgorithmSHA256
	}
	return h.alg
}

// Sum digests data.
func (h Hasher) Sum(data []byte) Digest {
	if h.sum == nil {
		return sha256.Sum256(data)
	}
	return h.sum(data)
}

// Combine digests left ++ right. Order matters.
func (h Hasher) Combine(left, right Digest) Digest {
	var buf [DigestSize * 2]byte
	copy(buf[:DigestSize], left[:])
	copy(buf[DigestSize:], right[:])
	return h.Sum(buf[:])
}
