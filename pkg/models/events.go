package models

import "time"

const (
	ExchangePostEvents = "post_events"

	RoutingKeyPostCreated = "post.created"
	RoutingKeyPostDeleted = "post.deleted"
	RoutingPatternPostAll = "post.*"
)

type PostCreated struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type PostDeleted struct {
	PostID   string   `json:"postId"`
	UserID   string   `json:"userId"`
	MediaIDs []string `json:"mediaIds"`
}

func (e PostCreated) Validate() error {
	if e.PostID == "" {
		return &ValidationError{Field: "postId", Message: "postId is required"}
	}
	if e.UserID == "" {
		return &ValidationError{Field: "userId", Message: "userId is required"}
	}
	return nil
}

func (e PostDeleted) Validate() error {
	if e.PostID == "" {
		return &ValidationError{Field: "postId", Message: "postId is required"}
	}
	return nil
}
