//go:build integration

// Package testdb provisions a migrated Postgres database for integration
// tests and isolates test cases in rolled-back transactions.
package testdb
