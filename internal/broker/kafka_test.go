package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"postmesh/internal/logger"
)

func newSettleConsumer() *KafkaConsumer {
	return &KafkaConsumer{logger: logger.NopLogger(), redeliveryDelay: time.Millisecond}
}

func TestKafkaSettle_RedeliversUntilAck(t *testing.T) {
	c := newSettleConsumer()

	outcomes := []Outcome{OutcomeRequeue, OutcomeRequeue, OutcomeAck}
	var calls, rejects int
	settled := c.settle(context.Background(), func(ctx context.Context) Outcome {
		o := outcomes[calls]
		calls++
		return o
	}, func(ctx context.Context, o Outcome) error {
		rejects++
		return nil
	})

	assert.True(t, settled)
	assert.Equal(t, 3, calls)
	assert.Zero(t, rejects)
}

func TestKafkaSettle_CancelledBeforeSuccessIsNotCommitted(t *testing.T) {
	c := newSettleConsumer()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	settled := c.settle(ctx, func(ctx context.Context) Outcome {
		calls++
		if calls == 3 {
			cancel()
		}
		return OutcomeRequeue
	}, func(ctx context.Context, o Outcome) error {
		t.Fatal("requeued record must not be rejected")
		return nil
	})

	assert.False(t, settled)
	assert.Equal(t, 3, calls)
}

func TestKafkaSettle_RejectRetriesUntilDeadLettered(t *testing.T) {
	c := newSettleConsumer()

	var calls, rejects int
	settled := c.settle(context.Background(), func(ctx context.Context) Outcome {
		calls++
		return OutcomeReject
	}, func(ctx context.Context, o Outcome) error {
		rejects++
		if rejects == 1 {
			return fmt.Errorf("dlq unavailable")
		}
		return nil
	})

	assert.True(t, settled)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, rejects)
}

func TestKafkaSettle_SkipCommits(t *testing.T) {
	c := newSettleConsumer()
	assert.True(t, c.settle(context.Background(), func(ctx context.Context) Outcome { return OutcomeSkip }, nil))
}
