package posts

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"postmesh/internal/cache"
	"postmesh/internal/logger"
	"postmesh/internal/outbox"
	"postmesh/pkg/errors"
	"postmesh/pkg/models"
)

type fakeRepository struct {
	mu        sync.Mutex
	posts     map[string]Post
	findCalls int
	listCalls int
	exec      *recordingExecer
	failWrite error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{posts: make(map[string]Post), exec: &recordingExecer{}}
}

func (r *fakeRepository) Create(ctx context.Context, p Post, hook TxHook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite != nil {
		return r.failWrite
	}
	if hook != nil {
		if err := hook(ctx, r.exec, p); err != nil {
			return err
		}
	}
	r.posts[p.ID] = p
	return nil
}

func (r *fakeRepository) FindByID(ctx context.Context, id string) (Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	p, ok := r.posts[id]
	if !ok {
		return Post{}, errors.ErrNotFound.WithDetail("message", "post not found")
	}
	return p, nil
}

func (r *fakeRepository) List(ctx context.Context, offset, limit int) ([]Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++
	all := make([]Post, 0, len(r.posts))
	for _, p := range r.posts {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []Post{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *fakeRepository) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.posts)), nil
}

func (r *fakeRepository) DeleteByOwner(ctx context.Context, id, userID string, hook TxHook) (Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok || p.UserID != userID {
		return Post{}, errors.ErrNotFound.WithDetail("message", "post not found or not owned by user")
	}
	if hook != nil {
		if err := hook(ctx, r.exec, p); err != nil {
			return Post{}, err
		}
	}
	delete(r.posts, id)
	return p, nil
}

func (r *fakeRepository) Ping(ctx context.Context) error { return nil }

type recordingExecer struct {
	queries []string
	args    [][]interface{}
}

func (e *recordingExecer) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	e.queries = append(e.queries, query)
	e.args = append(e.args, args)
	return nil, nil
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) NewEnvelope(ctx context.Context, routingKey string, payload interface{}) (models.MessageEnvelope, error) {
	return models.NewEnvelope("post-service", routingKey, payload)
}

func (m *mockPublisher) PublishEnvelope(ctx context.Context, msg models.MessageEnvelope) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func withRoutingKey(key string) interface{} {
	return mock.MatchedBy(func(msg models.MessageEnvelope) bool { return msg.RoutingKey == key })
}

type fixture struct {
	svc       Service
	repo      *fakeRepository
	publisher *mockPublisher
	store     *cache.MemoryStore
	cache     *cache.Cache
	keys      cache.Keys
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.MaxContentLength == 0 {
		opts.MaxContentLength = 5000
	}
	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit == 0 {
		opts.MaxLimit = 100
	}

	repo := newFakeRepository()
	publisher := &mockPublisher{}
	store := cache.NewMemoryStore()
	c := cache.New(store, 300*time.Second, logger.NopLogger())
	keys := cache.NewKeys("")
	invalidator := cache.NewInvalidator(c, keys, logger.NopLogger())

	return &fixture{
		svc:       NewService(repo, publisher, c, keys, invalidator, opts, logger.NopLogger()),
		repo:      repo,
		publisher: publisher,
		store:     store,
		cache:     c,
		keys:      keys,
	}
}

func TestService_CreateValidatesContent(t *testing.T) {
	f := newFixture(t, Options{MaxContentLength: 5})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "u1", CreatePostRequest{Content: "   "})
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.Create(ctx, "u1", CreatePostRequest{Content: "toolong"})
	assert.True(t, errors.IsValidation(err))

	f.publisher.On("PublishEnvelope", mock.Anything, mock.Anything).Return(nil)
	post, err := f.svc.Create(ctx, "u1", CreatePostRequest{Content: " héllo "})
	require.NoError(t, err)
	assert.Equal(t, "héllo", post.Content)
	assert.Equal(t, []string{}, post.MediaIDs)
}

func TestService_CreatePublishesAndInvalidatesListings(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, f.keys.Listing(1, 10), ListResponse{Total: 0}))
	require.NoError(t, f.cache.Set(ctx, f.keys.Listing(2, 10), ListResponse{Total: 0}))

	f.publisher.On("PublishEnvelope", mock.Anything, withRoutingKey(models.RoutingKeyPostCreated)).Return(nil).Once()

	post, err := f.svc.Create(ctx, "u1", CreatePostRequest{Content: "  hello  ", MediaIDs: []string{"m1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, post.ID)
	assert.Equal(t, "hello", post.Content)
	assert.Equal(t, []string{"m1"}, post.MediaIDs)
	assert.Equal(t, 0, f.store.Len())

	f.publisher.AssertExpectations(t)
	msg := f.publisher.Calls[0].Arguments.Get(1).(models.MessageEnvelope)
	var payload models.PostCreated
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, post.ID, payload.PostID)
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "hello", payload.Content)
}

func TestService_CreateSucceedsWhenPublishFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.publisher.On("PublishEnvelope", mock.Anything, mock.Anything).
		Return(errors.ErrBrokerUnavailable.WithCause(fmt.Errorf("connection refused")))

	post, err := f.svc.Create(context.Background(), "u1", CreatePostRequest{Content: "still saved"})
	require.NoError(t, err)

	_, err = f.repo.FindByID(context.Background(), post.ID)
	assert.NoError(t, err)
}

func TestService_CreateStoreFailureSkipsPublish(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.failWrite = errors.ErrTransport.WithCause(fmt.Errorf("db down"))

	_, err := f.svc.Create(context.Background(), "u1", CreatePostRequest{Content: "lost"})
	assert.True(t, errors.IsTransport(err))
	f.publisher.AssertNotCalled(t, "PublishEnvelope", mock.Anything, mock.Anything)
}

func TestService_CreateWithOutboxEnqueuesInTransaction(t *testing.T) {
	f := newFixture(t, Options{UseOutbox: true})

	post, err := f.svc.Create(context.Background(), "u1", CreatePostRequest{Content: "durable"})
	require.NoError(t, err)

	require.Len(t, f.repo.exec.queries, 1)
	assert.Contains(t, f.repo.exec.queries[0], "INSERT INTO outbox_events")
	args := f.repo.exec.args[0]
	require.Len(t, args, 3)
	assert.NotEmpty(t, args[0])
	assert.Equal(t, models.RoutingKeyPostCreated, args[1])
	assert.True(t, strings.Contains(string(args[2].([]byte)), post.ID))

	f.publisher.AssertNotCalled(t, "PublishEnvelope", mock.Anything, mock.Anything)
}

func TestService_GetIsReadThrough(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.repo.posts["p1"] = Post{ID: "p1", UserID: "u1", Content: "cached"}

	first, err := f.svc.Get(ctx, "p1")
	require.NoError(t, err)
	second, err := f.svc.Get(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.repo.findCalls)
}

func TestService_GetMissingIsNotCached(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Get(ctx, "nope")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 0, f.store.Len())

	f.repo.posts["nope"] = Post{ID: "nope", Content: "now exists"}
	post, err := f.svc.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, "now exists", post.Content)
}

func TestService_ListPaginatesAndCaches(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("p%02d", i)
		f.repo.posts[id] = Post{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
	}

	resp, err := f.svc.List(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.CurrentPage)
	assert.Equal(t, 3, resp.TotalPages)
	assert.Equal(t, int64(25), resp.Total)
	require.Len(t, resp.Posts, 5)
	assert.Equal(t, "p04", resp.Posts[0].ID)

	_, err = f.svc.List(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.listCalls)
}

func TestService_ListNormalizesPaging(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	resp, err := f.svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.CurrentPage)

	found, err := f.cache.Get(ctx, f.keys.Listing(1, 10), &ListResponse{})
	require.NoError(t, err)
	assert.True(t, found)

	_, err = f.svc.List(ctx, 1, 1000)
	require.NoError(t, err)
	found, err = f.cache.Get(ctx, f.keys.Listing(1, 100), &ListResponse{})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestService_DeleteInvalidatesEveryView(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.repo.posts["p1"] = Post{ID: "p1", UserID: "u1", MediaIDs: []string{"m1", "m2"}}

	_, err := f.svc.Get(ctx, "p1")
	require.NoError(t, err)
	_, err = f.svc.List(ctx, 1, 10)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, 2, 5)
	require.NoError(t, err)
	require.Equal(t, 3, f.store.Len())

	f.publisher.On("PublishEnvelope", mock.Anything, withRoutingKey(models.RoutingKeyPostDeleted)).Return(nil).Once()

	require.NoError(t, f.svc.Delete(ctx, "p1", "u1"))
	assert.Equal(t, 0, f.store.Len())

	f.publisher.AssertExpectations(t)
	msg := f.publisher.Calls[0].Arguments.Get(1).(models.MessageEnvelope)
	var payload models.PostDeleted
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "p1", payload.PostID)
	assert.Equal(t, []string{"m1", "m2"}, payload.MediaIDs)

	_, err = f.svc.Get(ctx, "p1")
	assert.True(t, errors.IsNotFound(err))
}

func TestService_DeleteByOtherUserIsNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	f.repo.posts["p1"] = Post{ID: "p1", UserID: "owner"}

	err := f.svc.Delete(context.Background(), "p1", "intruder")
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, f.repo.posts, "p1")
	f.publisher.AssertNotCalled(t, "PublishEnvelope", mock.Anything, mock.Anything)
}

func TestService_DeleteWithOutboxCarriesMediaIDs(t *testing.T) {
	f := newFixture(t, Options{UseOutbox: true})
	f.repo.posts["p1"] = Post{ID: "p1", UserID: "u1", MediaIDs: []string{"m1"}}

	require.NoError(t, f.svc.Delete(context.Background(), "p1", "u1"))

	require.Len(t, f.repo.exec.args, 1)
	assert.Equal(t, models.RoutingKeyPostDeleted, f.repo.exec.args[0][1])
	assert.Contains(t, string(f.repo.exec.args[0][2].([]byte)), `"mediaIds":["m1"]`)
}

var _ outbox.Execer = (*recordingExecer)(nil)
