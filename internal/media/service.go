package media

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"postmesh/internal/constants"
	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/metrics"
)

type Service interface {
	Upload(ctx context.Context, userID string, upload Upload, r io.Reader) (Media, error)
	ListByUser(ctx context.Context, userID string) ([]Media, error)
	Open(ctx context.Context, objectID string) (io.ReadCloser, error)
	// DeleteMany removes the listed media items owned by userID. Items owned
	// by another user are skipped and left in place, as are ids with no
	// record. A failure to delete one item is logged and counted and does not
	// stop the others; only a failed lookup is returned.
	DeleteMany(ctx context.Context, userID string, ids []string) error
}

type service struct {
	repo     Repository
	objects  ObjectStore
	maxBytes int64
	logger   logger.Logger
}

func NewService(repo Repository, objects ObjectStore, maxBytes int64, log logger.Logger) Service {
	if maxBytes <= 0 {
		maxBytes = constants.MaxUploadBytes
	}
	metrics.RegisterMediaMetrics()
	return &service{repo: repo, objects: objects, maxBytes: maxBytes, logger: log}
}

func (s *service) Upload(ctx context.Context, userID string, upload Upload, r io.Reader) (Media, error) {
	if upload.Size > s.maxBytes {
		return Media{}, errors.ErrValidation.
			WithDetail("message", "file is too large").
			WithDetail("max_bytes", s.maxBytes)
	}

	obj, err := s.objects.Upload(ctx, upload, r)
	if err != nil {
		return Media{}, err
	}

	m := Media{
		ID:        uuid.New().String(),
		UserID:    userID,
		ObjectID:  obj.ID,
		URL:       obj.URL,
		FileName:  upload.FileName,
		MimeType:  upload.MimeType,
		Size:      upload.Size,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, m); err != nil {
		if rbErr := s.objects.Delete(ctx, obj.ID); rbErr != nil {
			s.logger.ErrorwCtx(ctx, "Orphaned media object after failed upload", "object_id", obj.ID, "error", rbErr)
		}
		return Media{}, errors.ErrTransport.WithCause(err)
	}

	s.logger.InfowCtx(ctx, "Media uploaded", "media_id", m.ID, "user_id", userID, "size", m.Size)
	return m, nil
}

func (s *service) ListByUser(ctx context.Context, userID string) ([]Media, error) {
	items, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, errors.ErrTransport.WithCause(err)
	}
	if len(items) == 0 {
		return nil, errors.ErrNotFound.WithDetail("message", "no media found for user")
	}
	return items, nil
}

func (s *service) Open(ctx context.Context, objectID string) (io.ReadCloser, error) {
	return s.objects.Open(ctx, objectID)
}

func (s *service) DeleteMany(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	items, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return errors.ErrTransport.WithCause(err)
	}

	found := make(map[string]bool, len(items))
	for _, m := range items {
		found[m.ID] = true
		if m.UserID != userID {
			s.logger.WarnwCtx(ctx, "Skipping media owned by another user", "media_id", m.ID, "owner", m.UserID, "user_id", userID)
			continue
		}
		if err := s.deleteOne(ctx, m); err != nil {
			metrics.IncMediaDeletion("error")
			s.logger.ErrorwCtx(ctx, "Failed to delete media", "media_id", m.ID, "object_id", m.ObjectID, "error", err)
			continue
		}
		metrics.IncMediaDeletion("success")
	}

	for _, id := range ids {
		if !found[id] {
			s.logger.DebugwCtx(ctx, "Media already gone", "media_id", id)
		}
	}

	return nil
}

// Object first: a leftover record still points at its object and shows up
// in the owner's listing, a leftover object would be unreachable.
func (s *service) deleteOne(ctx context.Context, m Media) error {
	if err := s.objects.Delete(ctx, m.ObjectID); err != nil {
		return err
	}
	if _, err := s.repo.Delete(ctx, m.ID); err != nil {
		return err
	}
	s.logger.InfowCtx(ctx, "Media deleted", "media_id", m.ID)
	return nil
}
