// Package mysql opens the MySQL-backed evaluation ledger. It validates the
// DSN, tunes the connection pool, applies the embedded schema migrations and
// hands back a storage.SQLRepository.
package mysql
