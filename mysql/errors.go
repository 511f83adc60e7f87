package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("dispatch mysql: db is required")
	// ErrExecutorRequired is returned when a write is called with a nil executor.
	ErrExecutorRequired = errors.New("dispatch mysql: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("dispatch mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("dispatch mysql: invalid table name")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("dispatch mysql: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("dispatch mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("dispatch mysql: cleanup retention must be positive")
	// ErrAuthorRequired is returned when a news article or comment has no author.
	ErrAuthorRequired = errors.New("dispatch mysql: author is required")
	// ErrAuthorNotFound is returned when the referenced author does not exist.
	ErrAuthorNotFound = errors.New("dispatch mysql: author not found")
	// ErrNewsRequired is returned when a comment does not reference a news article.
	ErrNewsRequired = errors.New("dispatch mysql: news reference is required")
	// ErrNewsNotFound is returned when a news article does not exist.
	ErrNewsNotFound = errors.New("dispatch mysql: news not found")
	// ErrCommentNotFound is returned when a comment does not exist.
	ErrCommentNotFound = errors.New("dispatch mysql: comment not found")
)
