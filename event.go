package dispatch

import (
	"strconv"
	"time"
)

// Kind names a domain event variant. It doubles as the metrics "type" tag.
type Kind string

const (
	// KindNewsCreated is raised after a news article is created.
	KindNewsCreated Kind = "news.created"
	// KindNewsUpdated is raised after a news article is updated.
	KindNewsUpdated Kind = "news.updated"
	// KindCommentCreated is raised after a comment is created.
	KindCommentCreated Kind = "comment.created"
)

// Kinds lists every supported event kind.
func Kinds() []Kind {
	return []Kind{KindNewsCreated, KindNewsUpdated, KindCommentCreated}
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNewsCreated, KindNewsUpdated, KindCommentCreated:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// Event is an immutable, serializable description of a committed domain mutation.
type Event interface {
	// Kind returns the event variant.
	Kind() Kind
	// Key identifies the mutated entity for logs, e.g. "news:42".
	Key() string
	// Timestamp returns the translation-time timestamp.
	Timestamp() time.Time
}

// NewsCreated is published after a news article commit.
type NewsCreated struct {
	NewsID         int64     `json:"newsId"`
	Title          string    `json:"title"`
	Text           string    `json:"text"`
	ImageURL       *string   `json:"imageUrl,omitempty"`
	CreationDate   time.Time `json:"creationDate"`
	AuthorID       int64     `json:"authorId"`
	AuthorNickname string    `json:"authorNickname"`
	EventTimestamp time.Time `json:"eventTimestamp"`
}

// Kind implements Event.
func (NewsCreated) Kind() Kind { return KindNewsCreated }

// Key implements Event.
func (e NewsCreated) Key() string { return newsKey(e.NewsID) }

// Timestamp implements Event.
func (e NewsCreated) Timestamp() time.Time { return e.EventTimestamp }

// NewsUpdated is published after a news article update commit.
type NewsUpdated struct {
	NewsID         int64      `json:"newsId"`
	Title          string     `json:"title"`
	Text           string     `json:"text"`
	ImageURL       *string    `json:"imageUrl,omitempty"`
	CreationDate   time.Time  `json:"creationDate"`
	UpdateDate     *time.Time `json:"updateDate,omitempty"`
	AuthorID       int64      `json:"authorId"`
	AuthorNickname string     `json:"authorNickname"`
	EventTimestamp time.Time  `json:"eventTimestamp"`
}

// Kind implements Event.
func (NewsUpdated) Kind() Kind { return KindNewsUpdated }

// Key implements Event.
func (e NewsUpdated) Key() string { return newsKey(e.NewsID) }

// Timestamp implements Event.
func (e NewsUpdated) Timestamp() time.Time { return e.EventTimestamp }

// CommentCreated is published after a comment commit.
type CommentCreated struct {
	CommentID       int64     `json:"commentId"`
	Text            string    `json:"text"`
	CreationDate    time.Time `json:"creationDate"`
	AuthorNickname  string    `json:"authorNickname"`
	NewsID          int64     `json:"newsId"`
	NewsTitle       string    `json:"newsTitle"`
	ParentCommentID *int64    `json:"parentCommentId,omitempty"`
	EventTimestamp  time.Time `json:"eventTimestamp"`
}

// Kind implements Event.
func (CommentCreated) Kind() Kind { return KindCommentCreated }

// Key implements Event.
func (e CommentCreated) Key() string { return "comment:" + strconv.FormatInt(e.CommentID, 10) }

// Timestamp implements Event.
func (e CommentCreated) Timestamp() time.Time { return e.EventTimestamp }

func newsKey(id int64) string {
	return "news:" + strconv.FormatInt(id, 10)
}
