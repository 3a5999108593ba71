package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmesh/internal/config"
	"postmesh/internal/logger"
	"postmesh/pkg/models"
)

type fakeStore struct {
	mu     sync.Mutex
	events []Event
	sent   map[int64]bool
}

func newFakeStore(routingKeys ...string) *fakeStore {
	s := &fakeStore{sent: make(map[int64]bool)}
	for i, key := range routingKeys {
		s.events = append(s.events, Event{
			ID:         int64(i + 1),
			EventID:    fmt.Sprintf("evt-%d", i+1),
			RoutingKey: key,
			Envelope: models.MessageEnvelope{
				ID:         fmt.Sprintf("evt-%d", i+1),
				RoutingKey: key,
				Payload:    []byte(`{"postId":"p1"}`),
			},
		})
	}
	return s
}

func (s *fakeStore) ProcessBatch(ctx context.Context, limit int, fn func(ctx context.Context, e Event) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.events {
		e := &s.events[i]
		if s.sent[e.ID] {
			continue
		}
		if n == limit {
			break
		}
		e.Attempts++
		if err := fn(ctx, *e); err != nil {
			return n, err
		}
		s.sent[e.ID] = true
		n++
	}
	return n, nil
}

func (s *fakeStore) Pending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events) - len(s.sent)), nil
}

type fakePublisher struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	published []string
}

func (p *fakePublisher) PublishEnvelope(ctx context.Context, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failUntil {
		return fmt.Errorf("broker unavailable")
	}
	p.published = append(p.published, msg.ID)
	return nil
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func TestRelayOnce_PublishesInOrder(t *testing.T) {
	store := newFakeStore(models.RoutingKeyPostCreated, models.RoutingKeyPostDeleted, models.RoutingKeyPostCreated)
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, config.OutboxConfig{BatchSize: 2}, "post-service", logger.NopLogger())

	sent, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sent, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, pub.ids())

	pending, err := store.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRelayOnce_StopsAtFirstFailure(t *testing.T) {
	store := newFakeStore(models.RoutingKeyPostCreated, models.RoutingKeyPostDeleted)
	pub := &fakePublisher{failUntil: 1}
	relay := NewRelay(store, pub, config.OutboxConfig{BatchSize: 10}, "post-service", logger.NopLogger())

	sent, err := relay.RelayOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, pub.ids())

	sent, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"evt-1", "evt-2"}, pub.ids())
}

func TestRelay_RunDrainsUntilCancelled(t *testing.T) {
	store := newFakeStore(models.RoutingKeyPostCreated, models.RoutingKeyPostDeleted)
	pub := &fakePublisher{failUntil: 1}
	relay := NewRelay(store, pub, config.OutboxConfig{PollInterval: 5 * time.Millisecond, BatchSize: 10}, "post-service", logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(pub.ids()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
