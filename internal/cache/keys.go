package cache

import (
	"fmt"

	"postmesh/internal/constants"
)

// Keys builds the cache key namespace: post:<id> for one post and
// <listingPrefix><page>:<limit> for a listing page.
type Keys struct {
	listingPrefix string
}

func NewKeys(listingPrefix string) Keys {
	if listingPrefix == "" {
		listingPrefix = constants.CacheKeyPrefixPosts
	}
	return Keys{listingPrefix: listingPrefix}
}

func (k Keys) Post(id string) string {
	return constants.CacheKeyPrefixPost + id
}

func (k Keys) Listing(page, limit int) string {
	return fmt.Sprintf("%s%d:%d", k.listingPrefix, page, limit)
}

// ListingPattern matches every listing page.
func (k Keys) ListingPattern() string {
	return k.listingPrefix + "*"
}
