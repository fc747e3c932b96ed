// Package api exposes the evaluator over HTTP: evaluation submission, tree
// state, proof lookup, proof verification, health and Prometheus metrics.
// Errors are rendered as {"code","message"} with the status registered for the
// error code.
package api
