package media

import "time"

type Media struct {
	ID        string    `bson:"_id" json:"id"`
	UserID    string    `bson:"user_id" json:"userId"`
	ObjectID  string    `bson:"object_id" json:"objectId"`
	URL       string    `bson:"url" json:"url"`
	FileName  string    `bson:"file_name" json:"fileName"`
	MimeType  string    `bson:"mime_type" json:"mimeType"`
	Size      int64     `bson:"size" json:"size"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// StoredObject locates uploaded bytes in the object store.
type StoredObject struct {
	ID  string
	URL string
}

type Upload struct {
	FileName string
	MimeType string
	Size     int64
}
