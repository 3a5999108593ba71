package search

import "time"

// IndexedPost is the search-side projection of a post.
type IndexedPost struct {
	PostID    string    `bson:"post_id" json:"postId"`
	UserID    string    `bson:"user_id" json:"userId"`
	Content   string    `bson:"content" json:"content"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	Score     float64   `bson:"score,omitempty" json:"score,omitempty"`
}
