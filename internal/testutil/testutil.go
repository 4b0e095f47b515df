// Package testutil provides test helpers for mailagent tests.
//
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, etc.)
//   - store_helpers.go: database setup and seed rows (NewTestStore, SeedUser)
//   - email/: raw RFC 2822 message construction
package testutil
