// Package mysql provides MySQL 8.0+ storage for the dispatch pipeline.
//
// Store is the failure ledger: publish failures swallowed by the bus are recorded
// after the mutation committed and replayed later by dispatch.Replayer. The consumer uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY id ASC (UUID v7 time ordering)
//   - LIMIT for batching
//
// NewsStore persists news articles and comments and returns fully resolved
// snapshots for event translation. See Schema and NewsSchema for the tables, and
// CleanupMaintainer for periodic removal of replayed and dead ledger rows.
package mysql
