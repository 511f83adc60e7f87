package dispatch

import (
	"fmt"
	"time"
)

// Translator maps entity snapshots to event records. It performs no I/O.
type Translator struct {
	clock Clock
}

// NewTranslator creates a translator stamping events with clock. A nil clock uses SystemClock.
func NewTranslator(clock Clock) *Translator {
	if clock == nil {
		clock = SystemClock{}
	}

	return &Translator{clock: clock}
}

// Translate converts a notification into its event record.
func (t *Translator) Translate(n Notification) (Event, error) {
	if err := checkNotification(n); err != nil {
		return nil, err
	}

	switch v := n.(type) {
	case NewsCreatedNotification:
		return t.NewsCreated(v.News)
	case *NewsCreatedNotification:
		return t.NewsCreated(v.News)
	case NewsUpdatedNotification:
		return t.NewsUpdated(v.News)
	case *NewsUpdatedNotification:
		return t.NewsUpdated(v.News)
	case CommentCreatedNotification:
		return t.CommentCreated(v.Comment)
	case *CommentCreatedNotification:
		return t.CommentCreated(v.Comment)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownNotification, n)
	}
}

// NewsCreated builds a NewsCreated record.
func (t *Translator) NewsCreated(news News) (NewsCreated, error) {
	if err := checkNews(news); err != nil {
		return NewsCreated{}, err
	}

	return NewsCreated{
		NewsID:         news.ID,
		Title:          news.Title,
		Text:           news.Text,
		ImageURL:       cloneString(news.ImageURL),
		CreationDate:   news.CreationDate,
		AuthorID:       news.Author.ID,
		AuthorNickname: news.Author.Nickname,
		EventTimestamp: t.stamp(news.CreationDate, nil),
	}, nil
}

// NewsUpdated builds a NewsUpdated record.
func (t *Translator) NewsUpdated(news News) (NewsUpdated, error) {
	if err := checkNews(news); err != nil {
		return NewsUpdated{}, err
	}

	return NewsUpdated{
		NewsID:         news.ID,
		Title:          news.Title,
		Text:           news.Text,
		ImageURL:       cloneString(news.ImageURL),
		CreationDate:   news.CreationDate,
		UpdateDate:     cloneTime(news.UpdateDate),
		AuthorID:       news.Author.ID,
		AuthorNickname: news.Author.Nickname,
		EventTimestamp: t.stamp(news.CreationDate, news.UpdateDate),
	}, nil
}

// CommentCreated builds a CommentCreated record.
func (t *Translator) CommentCreated(comment Comment) (CommentCreated, error) {
	if comment.ID == 0 {
		return CommentCreated{}, fmt.Errorf("%w: comment", ErrInvalidEntity)
	}
	if comment.Author == nil || comment.Author.ID == 0 {
		return CommentCreated{}, fmt.Errorf("%w: comment %d has no author", ErrUnresolvedReference, comment.ID)
	}
	if comment.News == nil || comment.News.ID == 0 {
		return CommentCreated{}, fmt.Errorf("%w: comment %d has no news", ErrUnresolvedReference, comment.ID)
	}

	return CommentCreated{
		CommentID:       comment.ID,
		Text:            comment.Text,
		CreationDate:    comment.CreationDate,
		AuthorNickname:  comment.Author.Nickname,
		NewsID:          comment.News.ID,
		NewsTitle:       comment.News.Title,
		ParentCommentID: cloneInt64(comment.ParentCommentID),
		EventTimestamp:  t.stamp(comment.CreationDate, nil),
	}, nil
}

// stamp never returns a time before the entity's own dates.
func (t *Translator) stamp(created time.Time, updated *time.Time) time.Time {
	now := t.clock.Now()
	if now.Before(created) {
		now = created
	}
	if updated != nil && now.Before(*updated) {
		now = *updated
	}

	return now
}

func checkNews(news News) error {
	if news.ID == 0 {
		return fmt.Errorf("%w: news", ErrInvalidEntity)
	}
	if news.Author == nil || news.Author.ID == 0 {
		return fmt.Errorf("%w: news %d has no author", ErrUnresolvedReference, news.ID)
	}

	return nil
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v

	return &out
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v

	return &out
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v

	return &out
}
