package media

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"postmesh/pkg/errors"
)

type ObjectStore interface {
	Upload(ctx context.Context, upload Upload, r io.Reader) (StoredObject, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes the object; an absent object is not an error.
	Delete(ctx context.Context, id string) error
}

// GridFSStore keeps media bytes in a GridFS bucket next to the metadata.
type GridFSStore struct {
	db        *mongo.Database
	bucket    string
	publicURL string
}

func NewGridFSStore(db *mongo.Database, bucket, publicURL string) *GridFSStore {
	return &GridFSStore{
		db:        db,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Deadlines are per bucket, so each call gets its own.
func (s *GridFSStore) open(ctx context.Context) (*gridfs.Bucket, error) {
	b, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(s.bucket))
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", s.bucket, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := b.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
		if err := b.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *GridFSStore) Upload(ctx context.Context, upload Upload, r io.Reader) (StoredObject, error) {
	b, err := s.open(ctx)
	if err != nil {
		return StoredObject{}, err
	}

	opts := options.GridFSUpload().SetMetadata(bson.M{"contentType": upload.MimeType})
	id, err := b.UploadFromStream(upload.FileName, r, opts)
	if err != nil {
		return StoredObject{}, errors.ErrTransport.WithCause(fmt.Errorf("failed to store %s: %w", upload.FileName, err))
	}

	return StoredObject{ID: id.Hex(), URL: s.URL(id.Hex())}, nil
}

func (s *GridFSStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, errors.ErrNotFound.WithDetail("message", "media object not found")
	}

	b, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := b.OpenDownloadStream(oid)
	if stderrors.Is(err, gridfs.ErrFileNotFound) {
		return nil, errors.ErrNotFound.WithDetail("message", "media object not found")
	}
	if err != nil {
		return nil, errors.ErrTransport.WithCause(err)
	}
	return stream, nil
}

func (s *GridFSStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil
	}

	b, err := s.open(ctx)
	if err != nil {
		return err
	}

	err = b.DeleteContext(ctx, oid)
	if stderrors.Is(err, gridfs.ErrFileNotFound) {
		return nil
	}
	if err != nil {
		return errors.ErrTransport.WithCause(fmt.Errorf("failed to delete object %s: %w", id, err))
	}
	return nil
}

func (s *GridFSStore) URL(id string) string {
	return s.publicURL + "/api/v1/media/files/" + id
}
