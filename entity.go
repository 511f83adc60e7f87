package dispatch

import "time"

// Author is the resolved author reference of a news article or comment.
type Author struct {
	ID       int64
	Nickname string
}

// News is a committed news article snapshot.
type News struct {
	ID           int64
	Title        string
	Text         string
	ImageURL     *string
	CreationDate time.Time
	UpdateDate   *time.Time
	Author       *Author
}

// Comment is a committed comment snapshot. News must reference the commented article.
type Comment struct {
	ID              int64
	Text            string
	CreationDate    time.Time
	Author          *Author
	News            *News
	ParentCommentID *int64
}
