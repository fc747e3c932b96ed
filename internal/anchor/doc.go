// Package anchor forwards committed evaluation roots to an external ledger.
//
// The evaluator hands a Summary to a Dispatcher, which queues it and returns
// immediately. Queue workers call the configured Sink once per summary with a
// bounded timeout; failures are logged and recorded but never reach the
// evaluation caller.
package anchor
