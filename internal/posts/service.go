package posts

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"postmesh/internal/cache"
	"postmesh/internal/config"
	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/internal/outbox"
	"postmesh/pkg/errors"
	"postmesh/pkg/models"
)

type Service interface {
	Create(ctx context.Context, userID string, req CreatePostRequest) (Post, error)
	Get(ctx context.Context, id string) (Post, error)
	List(ctx context.Context, page, limit int) (ListResponse, error)
	Delete(ctx context.Context, id, userID string) error
}

// EventPublisher is the part of broker.EventPublisher the write path needs.
type EventPublisher interface {
	NewEnvelope(ctx context.Context, routingKey string, payload interface{}) (models.MessageEnvelope, error)
	PublishEnvelope(ctx context.Context, msg models.MessageEnvelope) error
}

type Invalidator interface {
	InvalidatePost(ctx context.Context, postID string) error
}

type Options struct {
	MaxContentLength int
	DefaultLimit     int
	MaxLimit         int

	// UseOutbox writes events to the outbox in the post's transaction
	// instead of publishing after commit.
	UseOutbox bool
}

func OptionsFrom(cfg *config.Config) Options {
	opts := Options{
		MaxContentLength: cfg.Posts.MaxContentLength,
		DefaultLimit:     cfg.Posts.DefaultLimit,
		MaxLimit:         cfg.Posts.MaxLimit,
		UseOutbox:        cfg.Outbox.Enabled,
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = constants.MaxPostContentLength
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = constants.DefaultPageLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = constants.MaxPageLimit
	}
	return opts
}

type service struct {
	repo        Repository
	publisher   EventPublisher
	cache       *cache.Cache
	keys        cache.Keys
	invalidator Invalidator
	opts        Options
	logger      logger.Logger
	now         func() time.Time
}

func NewService(repo Repository, publisher EventPublisher, c *cache.Cache, keys cache.Keys, invalidator Invalidator, opts Options, log logger.Logger) Service {
	return &service{
		repo:        repo,
		publisher:   publisher,
		cache:       c,
		keys:        keys,
		invalidator: invalidator,
		opts:        opts,
		logger:      log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) Create(ctx context.Context, userID string, req CreatePostRequest) (Post, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Post{}, errors.ErrValidation.WithDetail("message", "content is required")
	}
	if utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return Post{}, errors.ErrValidation.
			WithDetail("message", "content is too long").
			WithDetail("max_length", s.opts.MaxContentLength)
	}

	mediaIDs := req.MediaIDs
	if mediaIDs == nil {
		mediaIDs = []string{}
	}

	now := s.now()
	post := Post{
		ID:        uuid.New().String(),
		UserID:    userID,
		Content:   content,
		MediaIDs:  mediaIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}

	msg, err := s.publisher.NewEnvelope(ctx, models.RoutingKeyPostCreated, models.PostCreated{
		PostID:    post.ID,
		UserID:    post.UserID,
		Content:   post.Content,
		CreatedAt: post.CreatedAt,
	})
	if err != nil {
		return Post{}, err
	}

	var hook TxHook
	if s.opts.UseOutbox {
		hook = func(ctx context.Context, exec outbox.Execer, _ Post) error {
			return outbox.Enqueue(ctx, exec, msg)
		}
	}

	if err := s.repo.Create(ctx, post, hook); err != nil {
		return Post{}, err
	}

	if !s.opts.UseOutbox {
		s.publish(ctx, msg)
	}
	s.invalidate(ctx, post.ID)

	s.logger.InfowCtx(ctx, "Post created", "post_id", post.ID, "user_id", userID)
	return post, nil
}

func (s *service) Get(ctx context.Context, id string) (Post, error) {
	return cache.GetOrLoad(ctx, s.cache, s.keys.Post(id), func(ctx context.Context) (Post, error) {
		return s.repo.FindByID(ctx, id)
	})
}

func (s *service) List(ctx context.Context, page, limit int) (ListResponse, error) {
	page, limit = s.normalizePage(page, limit)

	return cache.GetOrLoad(ctx, s.cache, s.keys.Listing(page, limit), func(ctx context.Context) (ListResponse, error) {
		posts, err := s.repo.List(ctx, (page-1)*limit, limit)
		if err != nil {
			return ListResponse{}, err
		}
		total, err := s.repo.Count(ctx)
		if err != nil {
			return ListResponse{}, err
		}
		return ListResponse{
			Posts:       posts,
			CurrentPage: page,
			TotalPages:  int((total + int64(limit) - 1) / int64(limit)),
			Total:       total,
		}, nil
	})
}

func (s *service) Delete(ctx context.Context, id, userID string) error {
	var msg models.MessageEnvelope
	hook := func(ctx context.Context, exec outbox.Execer, deleted Post) error {
		var err error
		msg, err = s.publisher.NewEnvelope(ctx, models.RoutingKeyPostDeleted, models.PostDeleted{
			PostID:   deleted.ID,
			UserID:   deleted.UserID,
			MediaIDs: deleted.MediaIDs,
		})
		if err != nil {
			return err
		}
		if s.opts.UseOutbox {
			return outbox.Enqueue(ctx, exec, msg)
		}
		return nil
	}

	if _, err := s.repo.DeleteByOwner(ctx, id, userID, hook); err != nil {
		return err
	}

	if !s.opts.UseOutbox {
		s.publish(ctx, msg)
	}
	s.invalidate(ctx, id)

	s.logger.InfowCtx(ctx, "Post deleted", "post_id", id, "user_id", userID)
	return nil
}

func (s *service) normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}
	return page, limit
}

// The row is committed by now; a lost event or a stale cache entry is
// bounded by the subscriber's next write and the cache TTL.
func (s *service) publish(ctx context.Context, msg models.MessageEnvelope) {
	if err := s.publisher.PublishEnvelope(ctx, msg); err != nil {
		s.logger.ErrorwCtx(ctx, "Event not published after commit", "routing_key", msg.RoutingKey, "message_id", msg.ID, "error", err)
	}
}

func (s *service) invalidate(ctx context.Context, postID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidatePost(ctx, postID); err != nil {
		s.logger.WarnwCtx(ctx, "Post cache may be stale", "post_id", postID, "error", err)
	}
}
