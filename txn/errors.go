package txn

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("txn: db is required")
	// ErrTxDone is returned when a callback is registered on a finished transaction.
	ErrTxDone = errors.New("txn: transaction already finished")
	// ErrNilCallback is returned when AfterCommit receives a nil function.
	ErrNilCallback = errors.New("txn: nil after-commit callback")
)
