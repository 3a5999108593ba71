package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/models"
)

type fakeRepository struct {
	mu         sync.Mutex
	items      map[string]Media
	failInsert error
	failFind   error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{items: make(map[string]Media)}
}

func (r *fakeRepository) Insert(ctx context.Context, m Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInsert != nil {
		return r.failInsert
	}
	r.items[m.ID] = m
	return nil
}

func (r *fakeRepository) FindByIDs(ctx context.Context, ids []string) ([]Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFind != nil {
		return nil, r.failFind
	}
	out := []Media{}
	for _, id := range ids {
		if m, ok := r.items[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeRepository) FindByUser(ctx context.Context, userID string) ([]Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Media{}
	for _, m := range r.items {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeRepository) Delete(ctx context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return 0, nil
	}
	delete(r.items, id)
	return 1, nil
}

type fakeObjectStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	next       int
	failDelete map[string]error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte), failDelete: make(map[string]error)}
}

func (s *fakeObjectStore) Upload(ctx context.Context, upload Upload, r io.Reader) (StoredObject, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return StoredObject{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("obj%d", s.next)
	s.objects[id] = data
	return StoredObject{ID: id, URL: "http://media/" + id}, nil
}

func (s *fakeObjectStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjectStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDelete[id]; err != nil {
		return err
	}
	delete(s.objects, id)
	return nil
}

func (s *fakeObjectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func newTestService(repo Repository, objects ObjectStore) Service {
	return NewService(repo, objects, 1024, logger.NopLogger())
}

func upload(t *testing.T, svc Service, userID, body string) Media {
	t.Helper()
	m, err := svc.Upload(context.Background(), userID, Upload{FileName: "a.png", MimeType: "image/png", Size: int64(len(body))}, strings.NewReader(body))
	require.NoError(t, err)
	return m
}

func TestService_UploadStoresObjectAndRecord(t *testing.T) {
	repo := newFakeRepository()
	objects := newFakeObjectStore()
	svc := newTestService(repo, objects)

	m := upload(t, svc, "u1", "png-bytes")
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, "http://media/"+m.ObjectID, m.URL)
	assert.Contains(t, repo.items, m.ID)
	assert.Equal(t, []byte("png-bytes"), objects.objects[m.ObjectID])
}

func TestService_UploadRollsBackObject(t *testing.T) {
	repo := newFakeRepository()
	repo.failInsert = fmt.Errorf("mongo down")
	objects := newFakeObjectStore()
	svc := newTestService(repo, objects)

	_, err := svc.Upload(context.Background(), "u1", Upload{FileName: "a.png", Size: 3}, strings.NewReader("abc"))
	assert.True(t, errors.IsTransport(err))
	assert.Equal(t, 0, objects.count())
}

func TestService_UploadRejectsLargeFile(t *testing.T) {
	objects := newFakeObjectStore()
	svc := newTestService(newFakeRepository(), objects)

	_, err := svc.Upload(context.Background(), "u1", Upload{FileName: "big", Size: 4096}, strings.NewReader(""))
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, objects.count())
}

func TestService_ListByUserEmptyIsNotFound(t *testing.T) {
	svc := newTestService(newFakeRepository(), newFakeObjectStore())

	_, err := svc.ListByUser(context.Background(), "nobody")
	assert.True(t, errors.IsNotFound(err))

	upload(t, svc, "u1", "x")
	items, err := svc.ListByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEventHandler_CascadeDeleteIsolatesFailures(t *testing.T) {
	repo := newFakeRepository()
	objects := newFakeObjectStore()
	svc := newTestService(repo, objects)
	h := NewEventHandler(svc, logger.NopLogger())

	ok := upload(t, svc, "u1", "one")
	broken := upload(t, svc, "u1", "two")
	objects.failDelete[broken.ObjectID] = fmt.Errorf("object store timeout")

	msg, err := models.NewEnvelope("post-service", models.RoutingKeyPostDeleted, models.PostDeleted{
		PostID:   "p1",
		UserID:   "u1",
		MediaIDs: []string{ok.ID, broken.ID, "missing"},
	})
	require.NoError(t, err)

	require.NoError(t, h.OnPostDeleted(context.Background(), msg))
	assert.NotContains(t, repo.items, ok.ID)
	assert.Contains(t, repo.items, broken.ID)

	delete(objects.failDelete, broken.ObjectID)
	require.NoError(t, h.OnPostDeleted(context.Background(), msg))
	assert.Empty(t, repo.items)
	assert.Equal(t, 0, objects.count())
}

func TestEventHandler_LookupFailureIsRetryable(t *testing.T) {
	repo := newFakeRepository()
	repo.failFind = fmt.Errorf("mongo unreachable")
	h := NewEventHandler(newTestService(repo, newFakeObjectStore()), logger.NopLogger())

	msg, err := models.NewEnvelope("post-service", models.RoutingKeyPostDeleted, models.PostDeleted{
		PostID:   "p1",
		UserID:   "u1",
		MediaIDs: []string{"m1"},
	})
	require.NoError(t, err)

	err = h.OnPostDeleted(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.False(t, errors.IsFatal(err))
}

func TestEventHandler_SkipsForeignMedia(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, newFakeObjectStore())
	h := NewEventHandler(svc, logger.NopLogger())

	theirs := upload(t, svc, "someone-else", "x")

	msg, err := models.NewEnvelope("post-service", models.RoutingKeyPostDeleted, models.PostDeleted{
		PostID:   "p1",
		UserID:   "u1",
		MediaIDs: []string{theirs.ID},
	})
	require.NoError(t, err)

	require.NoError(t, h.OnPostDeleted(context.Background(), msg))
	assert.Contains(t, repo.items, theirs.ID)
}

func TestEventHandler_NoMediaIsNoop(t *testing.T) {
	h := NewEventHandler(newTestService(newFakeRepository(), newFakeObjectStore()), logger.NopLogger())

	msg, err := models.NewEnvelope("post-service", models.RoutingKeyPostDeleted, models.PostDeleted{PostID: "p1", UserID: "u1"})
	require.NoError(t, err)
	assert.NoError(t, h.OnPostDeleted(context.Background(), msg))
}
