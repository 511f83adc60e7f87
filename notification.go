package dispatch

import (
	"fmt"
	"strconv"
)

// Notification describes a mutation raised inside a unit of work. It is never serialized.
type Notification interface {
	// Kind returns the event kind the notification translates to.
	Kind() Kind
	// Key identifies the mutated entity for logs.
	Key() string
}

// NewsCreatedNotification is raised when a news article is created.
type NewsCreatedNotification struct {
	News News
}

// Kind implements Notification.
func (NewsCreatedNotification) Kind() Kind { return KindNewsCreated }

// Key implements Notification.
func (n NewsCreatedNotification) Key() string { return newsKey(n.News.ID) }

// NewsUpdatedNotification is raised when a news article is updated.
type NewsUpdatedNotification struct {
	News News
}

// Kind implements Notification.
func (NewsUpdatedNotification) Kind() Kind { return KindNewsUpdated }

// Key implements Notification.
func (n NewsUpdatedNotification) Key() string { return newsKey(n.News.ID) }

// CommentCreatedNotification is raised when a comment is created.
type CommentCreatedNotification struct {
	Comment Comment
}

// Kind implements Notification.
func (CommentCreatedNotification) Kind() Kind { return KindCommentCreated }

// Key implements Notification.
func (n CommentCreatedNotification) Key() string {
	return "comment:" + strconv.FormatInt(n.Comment.ID, 10)
}

// checkNotification rejects a nil notification, including a nil pointer to one
// of the notification types, whose value-receiver methods would panic.
func checkNotification(n Notification) error {
	isNil := false
	switch v := n.(type) {
	case nil:
		isNil = true
	case *NewsCreatedNotification:
		isNil = v == nil
	case *NewsUpdatedNotification:
		isNil = v == nil
	case *CommentCreatedNotification:
		isNil = v == nil
	}
	if isNil {
		return fmt.Errorf("%w: nil %T", ErrUnknownNotification, n)
	}

	return nil
}
