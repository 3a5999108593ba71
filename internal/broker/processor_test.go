package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmesh/internal/config"
	"postmesh/internal/logger"
	"postmesh/pkg/cel"
	"postmesh/pkg/errors"
	"postmesh/pkg/models"
	"postmesh/pkg/retry"
)

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestProcessor(t *testing.T, cfg ProcessorConfig) *Processor {
	t.Helper()
	p, err := NewProcessor(cfg, "test-service", logger.NopLogger())
	require.NoError(t, err)
	return p
}

func createdEnvelope(t *testing.T, postID string) models.MessageEnvelope {
	t.Helper()
	msg, err := models.NewEnvelope("test", models.RoutingKeyPostCreated, models.PostCreated{
		PostID:    postID,
		UserID:    "u1",
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return msg
}

func TestProcessor_Ack(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(3)})

	var calls int32
	outcome := p.Process(context.Background(), "q", createdEnvelope(t, "p1"), func(ctx context.Context, msg models.MessageEnvelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	assert.Equal(t, OutcomeAck, outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessor_RetriesTransientFailure(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(3)})

	var calls int32
	outcome := p.Process(context.Background(), "q", createdEnvelope(t, "p1"), func(ctx context.Context, msg models.MessageEnvelope) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return fmt.Errorf("temporary")
		}
		return nil
	})

	assert.Equal(t, OutcomeAck, outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestProcessor_RequeueWhenExhaustedWithoutDeadLetter(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(2)})

	var calls int32
	outcome := p.Process(context.Background(), "q", createdEnvelope(t, "p1"), func(ctx context.Context, msg models.MessageEnvelope) error {
		atomic.AddInt32(&calls, 1)
		return fmt.Errorf("store down")
	})

	assert.Equal(t, OutcomeRequeue, outcome)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestProcessor_RejectWhenExhaustedWithDeadLetter(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(2), DeadLetter: true})

	outcome := p.Process(context.Background(), "q", createdEnvelope(t, "p1"), func(ctx context.Context, msg models.MessageEnvelope) error {
		return fmt.Errorf("store down")
	})

	assert.Equal(t, OutcomeReject, outcome)
}

func TestProcessor_FatalErrorIsNotRetried(t *testing.T) {
	tests := []struct {
		name       string
		deadLetter bool
		err        error
		want       Outcome
	}{
		{"validation without dead letter", false, errors.ErrValidation.WithDetail("message", "bad payload"), OutcomeRequeue},
		{"not found without dead letter", false, errors.ErrNotFound, OutcomeRequeue},
		{"validation with dead letter", true, errors.ErrValidation.WithDetail("message", "bad payload"), OutcomeReject},
		{"not found with dead letter", true, errors.ErrNotFound, OutcomeReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(5), DeadLetter: tt.deadLetter})

			var calls int32
			outcome := p.Process(context.Background(), "q", createdEnvelope(t, "p1"), func(ctx context.Context, msg models.MessageEnvelope) error {
				atomic.AddInt32(&calls, 1)
				return tt.err
			})

			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestProcessor_PanicIsRecovered(t *testing.T) {
	for _, deadLetter := range []bool{false, true} {
		t.Run(fmt.Sprintf("dead_letter=%v", deadLetter), func(t *testing.T) {
			p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(3), DeadLetter: deadLetter})

			var calls int32
			outcome := p.Process(context.Background(), "q", createdEnvelope(t, "p1"), func(ctx context.Context, msg models.MessageEnvelope) error {
				atomic.AddInt32(&calls, 1)
				panic("boom")
			})

			want := OutcomeRequeue
			if deadLetter {
				want = OutcomeReject
			}
			assert.Equal(t, want, outcome)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestProcessor_SkipsAlreadyProcessed(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(1), DedupCacheSize: 16})
	msg := createdEnvelope(t, "p1")

	var calls int32
	handler := func(ctx context.Context, msg models.MessageEnvelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	assert.Equal(t, OutcomeAck, p.Process(context.Background(), "q", msg, handler))
	assert.Equal(t, OutcomeSkip, p.Process(context.Background(), "q", msg, handler))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessor_FailedMessageIsNotRemembered(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(1), DedupCacheSize: 16})
	msg := createdEnvelope(t, "p1")

	fail := true
	handler := func(ctx context.Context, msg models.MessageEnvelope) error {
		if fail {
			return fmt.Errorf("temporary")
		}
		return nil
	}

	assert.Equal(t, OutcomeRequeue, p.Process(context.Background(), "q", msg, handler))
	fail = false
	assert.Equal(t, OutcomeAck, p.Process(context.Background(), "q", msg, handler))
}

func TestProcessor_Filter(t *testing.T) {
	eval, err := cel.NewEvaluator()
	require.NoError(t, err)
	filter, err := eval.CompileFilter(`payload.postId == "keep"`)
	require.NoError(t, err)

	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(1), Filter: filter})

	var calls int32
	handler := func(ctx context.Context, msg models.MessageEnvelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	assert.Equal(t, OutcomeSkip, p.Process(context.Background(), "q", createdEnvelope(t, "drop"), handler))
	assert.Equal(t, OutcomeAck, p.Process(context.Background(), "q", createdEnvelope(t, "keep"), handler))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessor_ProcessBodyRejectsGarbage(t *testing.T) {
	p := newTestProcessor(t, ProcessorConfig{Retry: testPolicy(1)})

	called := false
	handler := func(ctx context.Context, msg models.MessageEnvelope) error {
		called = true
		return nil
	}

	assert.Equal(t, OutcomeReject, p.ProcessBody(context.Background(), "q", []byte("not json"), handler))

	body, err := json.Marshal(models.MessageEnvelope{RoutingKey: models.RoutingKeyPostCreated})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, p.ProcessBody(context.Background(), "q", body, handler))

	assert.False(t, called)
}

func TestProcessorConfigFrom(t *testing.T) {
	cfg := config.BrokerConfig{
		Type: "rabbitmq",
		RabbitMQ: config.RabbitMQConfig{
			DeadLetterExchange: "post_events.dlx",
		},
		Retry: config.RetryConfig{MaxAttempts: 4, InitialInterval: time.Millisecond},
		Subscription: config.SubscriptionConfig{
			Filter:         `routing_key == "post.created"`,
			DedupCacheSize: 8,
		},
	}

	pc, err := ProcessorConfigFrom(cfg)
	require.NoError(t, err)
	assert.True(t, pc.DeadLetter)
	assert.Equal(t, 4, pc.Retry.MaxAttempts)
	assert.Equal(t, 8, pc.DedupCacheSize)
	require.NotNil(t, pc.Filter)

	cfg.Type = "memory"
	cfg.Subscription.Filter = "not valid ((("
	_, err = ProcessorConfigFrom(cfg)
	assert.Error(t, err)
}
