// Package newsroom creates and updates news articles and comments. Each mutation runs
// in its own transaction and raises the matching notification, so events are
// published only for committed changes.
package newsroom
