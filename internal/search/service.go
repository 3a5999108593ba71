package search

import (
	"context"
	"strings"

	"postmesh/internal/constants"
	"postmesh/pkg/errors"
)

type Service interface {
	// Search ranks by text score; an empty query returns the newest posts.
	Search(ctx context.Context, query string) ([]IndexedPost, error)
}

type service struct {
	repo  Repository
	limit int64
}

func NewService(repo Repository, limit int64) Service {
	if limit <= 0 {
		limit = constants.SearchResultLimit
	}
	return &service{repo: repo, limit: limit}
}

func (s *service) Search(ctx context.Context, query string) ([]IndexedPost, error) {
	query = strings.TrimSpace(query)

	var (
		posts []IndexedPost
		err   error
	)
	if query == "" {
		posts, err = s.repo.Latest(ctx, s.limit)
	} else {
		posts, err = s.repo.Search(ctx, query, s.limit)
	}
	if err != nil {
		return nil, errors.ErrTransport.WithCause(err)
	}
	return posts, nil
}
