// Package storage persists evaluation records, the ledger the accumulating
// Merkle tree is restored from on startup. Backends live in sub packages
// (mysql, sqlite); this package holds the record model, the Repository
// contract, the in-memory and JSON-lines repositories and the SQL repository
// shared by the database backends.
package storage
