// Package txn provides a database/sql unit of work with explicit after-commit hooks.
//
// Callbacks registered with Tx.AfterCommit run on the committing goroutine once the
// transaction commits, in registration order. They never run after a rollback or a
// failed commit.
package txn
