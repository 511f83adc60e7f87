package mysql

import (
	"fmt"
	"strings"

	"github.com/velmie/dispatch"
)

const selectColumns = "id, event_type, event_key, exchange_name, routing_key, message_id, content_type, payload, event_ts, created_at, attempt_count"

type queries struct {
	table            string
	insert           string
	updateFailureOne string
	updateDeadOne    string
	countPending     string
	deleteReplayed   string
	deleteDead       string
}

func newQueries(table string) queries {
	insert := fmt.Sprintf(
		"INSERT INTO %s (id, event_type, event_key, exchange_name, routing_key, message_id, content_type, payload, event_ts, publish_attempts, last_error) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		table,
	)
	updateFailureOne := fmt.Sprintf(
		"UPDATE %s AS cur "+
			"JOIN %s AS prev ON prev.id = cur.id "+
			"SET cur.attempt_count = prev.attempt_count + 1, cur.last_error = ?, "+
			"cur.status = CASE WHEN (prev.attempt_count + 1) >= ? THEN ? ELSE ? END "+
			"WHERE cur.id = ?",
		table,
		table,
	)
	updateDeadOne := fmt.Sprintf(
		"UPDATE %s SET attempt_count = attempt_count + 1, last_error = ?, status = ? WHERE id = ?",
		table,
	)
	countPending := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", table)
	deleteReplayed := fmt.Sprintf(
		"DELETE FROM %s WHERE status = ? AND processed_at IS NOT NULL AND processed_at <= ? ORDER BY id LIMIT ?",
		table,
	)
	deleteDead := fmt.Sprintf(
		"DELETE FROM %s WHERE status = ? AND updated_at <= ? ORDER BY id LIMIT ?",
		table,
	)

	return queries{
		table:            table,
		insert:           insert,
		updateFailureOne: updateFailureOne,
		updateDeadOne:    updateDeadOne,
		countPending:     countPending,
		deleteReplayed:   deleteReplayed,
		deleteDead:       deleteDead,
	}
}

// selectPending builds the locking select for opts. The replay window uses the
// created_ts index and the retry backoff leaves rows that failed recently for
// a later poll.
func (q queries) selectPending(opts dispatch.FetchOptions) (string, []any) {
	conds := []string{"status = ?"}
	args := []any{dispatch.StatusPending}
	if !opts.MinCreatedAt.IsZero() {
		conds = append(conds, "created_ts >= ?")
		args = append(args, createdTS(opts.MinCreatedAt))
	}
	if !opts.RetryBefore.IsZero() {
		conds = append(conds, "(attempt_count = 0 OR updated_at <= ?)")
		args = append(args, opts.RetryBefore)
	}
	args = append(args, opts.BatchSize)

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
		selectColumns,
		q.table,
		strings.Join(conds, " AND "),
	)

	return query, args
}
