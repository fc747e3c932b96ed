// Package evaluator runs the evaluation pipeline: validate the request, score
// the agent output, derive the feature and leaf digests, commit the leaf to
// the Merkle tree, persist the record and hand the committed root to the
// anchor dispatcher.
//
// In accumulate mode one tree grows by a leaf per evaluation under a single
// writer lock and is rebuilt from the ledger on startup. In per_request mode
// each evaluation gets its own single-leaf tree.
package evaluator
