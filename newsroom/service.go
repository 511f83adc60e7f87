package newsroom

import (
	"context"
	"errors"

	"github.com/velmie/dispatch"
	"github.com/velmie/dispatch/txn"
)

var (
	// ErrManagerRequired is returned when no transaction manager is provided.
	ErrManagerRequired = errors.New("newsroom: transaction manager is required")
	// ErrStoreRequired is returned when no store is provided.
	ErrStoreRequired = errors.New("newsroom: store is required")
	// ErrRaiserRequired is returned when no notification raiser is provided.
	ErrRaiserRequired = errors.New("newsroom: raiser is required")
)

// Store persists news articles and comments on the given querier.
type Store interface {
	CreateNews(ctx context.Context, q txn.Querier, draft dispatch.News) (dispatch.News, error)
	UpdateNews(ctx context.Context, q txn.Querier, news dispatch.News) (dispatch.News, error)
	CreateComment(ctx context.Context, q txn.Querier, draft dispatch.Comment) (dispatch.Comment, error)
}

// Raiser queues a notification for delivery after the unit of work commits.
type Raiser interface {
	Raise(uow dispatch.UnitOfWork, n dispatch.Notification) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for creation and update dates.
func WithClock(clock dispatch.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithLogger sets the service logger.
func WithLogger(logger dispatch.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service runs domain mutations and raises notifications for them.
type Service struct {
	manager *txn.Manager
	store   Store
	raiser  Raiser
	clock   dispatch.Clock
	logger  dispatch.Logger
}

// NewService constructs a Service.
func NewService(manager *txn.Manager, store Store, raiser Raiser, opts ...Option) (*Service, error) {
	if manager == nil {
		return nil, ErrManagerRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}
	if raiser == nil {
		return nil, ErrRaiserRequired
	}

	s := &Service{manager: manager, store: store, raiser: raiser}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = dispatch.SystemClock{}
	}
	if s.logger == nil {
		s.logger = dispatch.NopLogger{}
	}

	return s, nil
}

// CreateNews stores draft and raises NewsCreated. A zero creation date is set to now.
// The returned article does not depend on the outcome of event publishing.
func (s *Service) CreateNews(ctx context.Context, draft dispatch.News) (dispatch.News, error) {
	if draft.CreationDate.IsZero() {
		draft.CreationDate = s.clock.Now()
	}

	var news dispatch.News
	err := s.manager.WithinTx(ctx, func(ctx context.Context, tx *txn.Tx) error {
		var err error
		news, err = s.store.CreateNews(ctx, tx, draft)
		if err != nil {
			return err
		}

		return s.raiser.Raise(tx, dispatch.NewsCreatedNotification{News: news})
	})
	if err != nil {
		return dispatch.News{}, err
	}
	s.logger.Debug("news created", "news_id", news.ID)

	return news, nil
}

// UpdateNews overwrites an article, stamps its update date and raises NewsUpdated.
func (s *Service) UpdateNews(ctx context.Context, news dispatch.News) (dispatch.News, error) {
	now := s.clock.Now()
	news.UpdateDate = &now

	var updated dispatch.News
	err := s.manager.WithinTx(ctx, func(ctx context.Context, tx *txn.Tx) error {
		var err error
		updated, err = s.store.UpdateNews(ctx, tx, news)
		if err != nil {
			return err
		}

		return s.raiser.Raise(tx, dispatch.NewsUpdatedNotification{News: updated})
	})
	if err != nil {
		return dispatch.News{}, err
	}
	s.logger.Debug("news updated", "news_id", updated.ID)

	return updated, nil
}

// CreateComment stores draft and raises CommentCreated. A zero creation date is set to now.
func (s *Service) CreateComment(ctx context.Context, draft dispatch.Comment) (dispatch.Comment, error) {
	if draft.CreationDate.IsZero() {
		draft.CreationDate = s.clock.Now()
	}

	var comment dispatch.Comment
	err := s.manager.WithinTx(ctx, func(ctx context.Context, tx *txn.Tx) error {
		var err error
		comment, err = s.store.CreateComment(ctx, tx, draft)
		if err != nil {
			return err
		}

		return s.raiser.Raise(tx, dispatch.CommentCreatedNotification{Comment: comment})
	})
	if err != nil {
		return dispatch.Comment{}, err
	}
	s.logger.Debug("comment created", "comment_id", comment.ID)

	return comment, nil
}
