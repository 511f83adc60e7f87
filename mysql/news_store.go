package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/velmie/dispatch"
	"github.com/velmie/dispatch/txn"
)

type newsTables struct {
	authors  string
	news     string
	comments string
}

func newNewsTables(prefix string) (newsTables, error) {
	var tables newsTables
	for _, t := range []struct {
		dst  *string
		name string
	}{
		{&tables.authors, "authors"},
		{&tables.news, "news"},
		{&tables.comments, "comments"},
	} {
		name, err := sanitizeTableName(prefixedTable(prefix, t.name))
		if err != nil {
			return newsTables{}, err
		}
		*t.dst = name
	}

	return tables, nil
}

// constraintName returns the table part of a possibly schema-qualified name.
func constraintName(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}

	return table
}

type newsQueries struct {
	insertAuthor  string
	selectAuthor  string
	insertNews    string
	selectNews    string
	updateNews    string
	insertComment string
	selectParent  string
}

func newNewsQueries(t newsTables) newsQueries {
	return newsQueries{
		insertAuthor: fmt.Sprintf("INSERT INTO %s (nickname) VALUES (?)", t.authors),
		selectAuthor: fmt.Sprintf("SELECT id, nickname FROM %s WHERE id = ?", t.authors),
		insertNews: fmt.Sprintf(
			"INSERT INTO %s (title, text, image_url, author_id, creation_date, update_date) VALUES (?, ?, ?, ?, ?, ?)",
			t.news,
		),
		selectNews: fmt.Sprintf(
			"SELECT n.id, n.title, n.text, n.image_url, n.creation_date, n.update_date, a.id, a.nickname "+
				"FROM %s AS n JOIN %s AS a ON a.id = n.author_id WHERE n.id = ? FOR UPDATE",
			t.news,
			t.authors,
		),
		updateNews: fmt.Sprintf(
			"UPDATE %s SET title = ?, text = ?, image_url = ?, update_date = ? WHERE id = ?",
			t.news,
		),
		insertComment: fmt.Sprintf(
			"INSERT INTO %s (text, author_id, news_id, parent_comment_id, creation_date) VALUES (?, ?, ?, ?, ?)",
			t.comments,
		),
		selectParent: fmt.Sprintf("SELECT news_id FROM %s WHERE id = ?", t.comments),
	}
}

// NewsStore persists authors, news articles and comments. Every method runs on the
// provided querier, so mutations join the caller's transaction.
type NewsStore struct {
	tables  newsTables
	queries newsQueries
}

// NewNewsStore constructs a news store whose tables carry the given prefix.
func NewNewsStore(prefix string) (*NewsStore, error) {
	tables, err := newNewsTables(prefix)
	if err != nil {
		return nil, err
	}

	return &NewsStore{tables: tables, queries: newNewsQueries(tables)}, nil
}

// CreateAuthor inserts an author and returns it with the assigned id.
func (s *NewsStore) CreateAuthor(ctx context.Context, q txn.Querier, nickname string) (dispatch.Author, error) {
	res, err := q.ExecContext(ctx, s.queries.insertAuthor, nickname)
	if err != nil {
		return dispatch.Author{}, fmt.Errorf("dispatch mysql: insert author failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dispatch.Author{}, fmt.Errorf("dispatch mysql: author id failed: %w", err)
	}

	return dispatch.Author{ID: id, Nickname: nickname}, nil
}

// GetNews loads a news article with its author and locks the row.
func (s *NewsStore) GetNews(ctx context.Context, q txn.Querier, id int64) (dispatch.News, error) {
	var (
		news     dispatch.News
		author   dispatch.Author
		imageURL sql.NullString
		updated  sql.NullTime
	)

	err := q.QueryRowContext(ctx, s.queries.selectNews, id).Scan(
		&news.ID,
		&news.Title,
		&news.Text,
		&imageURL,
		&news.CreationDate,
		&updated,
		&author.ID,
		&author.Nickname,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.News{}, fmt.Errorf("%w: %d", ErrNewsNotFound, id)
	}
	if err != nil {
		return dispatch.News{}, fmt.Errorf("dispatch mysql: select news failed: %w", err)
	}
	if imageURL.Valid {
		news.ImageURL = &imageURL.String
	}
	if updated.Valid {
		news.UpdateDate = &updated.Time
	}
	news.Author = &author

	return news, nil
}

// CreateNews inserts a news article. The draft must reference an existing author by id;
// the returned snapshot carries the resolved author and the assigned id.
func (s *NewsStore) CreateNews(ctx context.Context, q txn.Querier, draft dispatch.News) (dispatch.News, error) {
	if draft.Author == nil {
		return dispatch.News{}, ErrAuthorRequired
	}
	author, err := s.getAuthor(ctx, q, draft.Author.ID)
	if err != nil {
		return dispatch.News{}, err
	}

	res, err := q.ExecContext(
		ctx,
		s.queries.insertNews,
		draft.Title,
		draft.Text,
		nullString(draft.ImageURL),
		author.ID,
		draft.CreationDate,
		nullTime(draft.UpdateDate),
	)
	if err != nil {
		return dispatch.News{}, fmt.Errorf("dispatch mysql: insert news failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dispatch.News{}, fmt.Errorf("dispatch mysql: news id failed: %w", err)
	}

	draft.ID = id
	draft.Author = &author

	return draft, nil
}

// UpdateNews overwrites title, text, image and update date of an existing article.
func (s *NewsStore) UpdateNews(ctx context.Context, q txn.Querier, news dispatch.News) (dispatch.News, error) {
	current, err := s.GetNews(ctx, q, news.ID)
	if err != nil {
		return dispatch.News{}, err
	}

	if _, err := q.ExecContext(
		ctx,
		s.queries.updateNews,
		news.Title,
		news.Text,
		nullString(news.ImageURL),
		nullTime(news.UpdateDate),
		news.ID,
	); err != nil {
		return dispatch.News{}, fmt.Errorf("dispatch mysql: update news failed: %w", err)
	}

	current.Title = news.Title
	current.Text = news.Text
	current.ImageURL = news.ImageURL
	current.UpdateDate = news.UpdateDate

	return current, nil
}

// CreateComment inserts a comment on an existing article. A parent comment, when set,
// must belong to the same article.
func (s *NewsStore) CreateComment(ctx context.Context, q txn.Querier, draft dispatch.Comment) (dispatch.Comment, error) {
	if draft.Author == nil {
		return dispatch.Comment{}, ErrAuthorRequired
	}
	if draft.News == nil {
		return dispatch.Comment{}, ErrNewsRequired
	}

	author, err := s.getAuthor(ctx, q, draft.Author.ID)
	if err != nil {
		return dispatch.Comment{}, err
	}
	news, err := s.GetNews(ctx, q, draft.News.ID)
	if err != nil {
		return dispatch.Comment{}, err
	}
	if draft.ParentCommentID != nil {
		if err := s.checkParent(ctx, q, *draft.ParentCommentID, news.ID); err != nil {
			return dispatch.Comment{}, err
		}
	}

	var parent any
	if draft.ParentCommentID != nil {
		parent = *draft.ParentCommentID
	}
	res, err := q.ExecContext(ctx, s.queries.insertComment, draft.Text, author.ID, news.ID, parent, draft.CreationDate)
	if err != nil {
		return dispatch.Comment{}, fmt.Errorf("dispatch mysql: insert comment failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dispatch.Comment{}, fmt.Errorf("dispatch mysql: comment id failed: %w", err)
	}

	draft.ID = id
	draft.Author = &author
	draft.News = &news

	return draft, nil
}

func (s *NewsStore) getAuthor(ctx context.Context, q txn.Querier, id int64) (dispatch.Author, error) {
	var author dispatch.Author
	err := q.QueryRowContext(ctx, s.queries.selectAuthor, id).Scan(&author.ID, &author.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Author{}, fmt.Errorf("%w: %d", ErrAuthorNotFound, id)
	}
	if err != nil {
		return dispatch.Author{}, fmt.Errorf("dispatch mysql: select author failed: %w", err)
	}

	return author, nil
}

func (s *NewsStore) checkParent(ctx context.Context, q txn.Querier, parentID, newsID int64) error {
	var owner int64
	err := q.QueryRowContext(ctx, s.queries.selectParent, parentID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != newsID) {
		return fmt.Errorf("%w: %d", ErrCommentNotFound, parentID)
	}
	if err != nil {
		return fmt.Errorf("dispatch mysql: select parent comment failed: %w", err)
	}

	return nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *v, Valid: true}
}
