// Package proofs implements the evaluation-to-proof pipeline primitives:
// fixed-output digests, canonical feature encoding, an append-only binary
// Merkle tree with authentication paths, and a pure verifier that recomputes a
// root from a leaf and its path.
//
// Everything in this package is deterministic and free of I/O. A verifier that
// only knows the hash algorithm, the odd-node policy, a leaf digest and a
// published root can check membership without trusting the evaluator.
package proofs
