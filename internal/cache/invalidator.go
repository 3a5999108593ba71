package cache

import (
	"context"

	"postmesh/internal/logger"
)

// Invalidator drops everything a post write can make stale: the post's own
// entry and every listing page, since any page may now be shifted.
type Invalidator struct {
	cache  *Cache
	keys   Keys
	logger logger.Logger
}

func NewInvalidator(cache *Cache, keys Keys, log logger.Logger) *Invalidator {
	return &Invalidator{cache: cache, keys: keys, logger: log}
}

// InvalidatePost must be called after the store write it follows.
func (i *Invalidator) InvalidatePost(ctx context.Context, postID string) error {
	err := i.cache.Invalidate(ctx, i.keys.Post(postID), i.keys.ListingPattern())
	if err != nil {
		i.logger.WarnwCtx(ctx, "Cache invalidation incomplete", "post_id", postID, "error", err)
		return err
	}
	i.logger.DebugwCtx(ctx, "Invalidated post cache", "post_id", postID)
	return nil
}
