package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/event/domain"
	"github.com/smallbiznis/allotment/internal/event/repository"
	"github.com/smallbiznis/allotment/internal/testutil"
	"github.com/smallbiznis/allotment/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func consumerEvent(owner snowflake.ID, consumer snowflake.ID) *domain.Event {
	return domain.ComplianceChanged(owner, consumer, "c-1", "invalid", "valid")
}

func TestOutboxQueueFillsIdentity(t *testing.T) {
	conn := testutil.NewDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	outbox := NewOutbox(Params{Log: zap.NewNop(), Clock: clk, Repo: repo})

	ctx := correlation.ContextWithCorrelationID(context.Background(), "req-42")
	ev := consumerEvent(1, 2)
	require.NoError(t, outbox.Queue(ctx, conn, ev, nil))

	assert.Len(t, ev.ID, 26)
	assert.Equal(t, clk.Now(), ev.CreatedAt)
	assert.Equal(t, "req-42", ev.Metadata["correlation_id"])

	stored, err := repo.ListByTarget(context.Background(), conn, domain.TargetConsumer, "2")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.TypeComplianceChanged, stored[0].Type)
	assert.False(t, stored[0].Published)
	assert.Equal(t, "valid", stored[0].Payload["status"])
}

func TestOutboxQueueNothing(t *testing.T) {
	outbox := NewOutbox(Params{Log: zap.NewNop(), Clock: clock.SystemClock{}, Repo: repository.Provide()})
	assert.NoError(t, outbox.Queue(context.Background(), nil))
}

func TestRelayWithoutRedisMarksPublished(t *testing.T) {
	conn := testutil.NewDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	outbox := NewOutbox(Params{Log: zap.NewNop(), Clock: clk, Repo: repo})
	require.NoError(t, outbox.Queue(context.Background(), conn,
		consumerEvent(1, 2), consumerEvent(1, 3), consumerEvent(1, 4)))

	relay := NewRelay(RelayParams{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: repo})
	n, err := relay.PublishPending(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := repo.ListUnpublished(context.Background(), conn, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "4", pending[0].TargetID)

	n, err = relay.PublishPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published, err := repo.ListByTarget(context.Background(), conn, domain.TargetConsumer, "2")
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.True(t, published[0].Published)
	require.NotNil(t, published[0].PublishedAt)
}

func TestRelayKeepsEventsWhenStreamUnavailable(t *testing.T) {
	conn := testutil.NewDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	repo := repository.Provide()
	require.NoError(t, repo.Insert(context.Background(), conn, []*domain.Event{{
		ID:         "01JABCDEFGHJKMNPQRSTVWXYZ0",
		OwnerID:    1,
		Type:       domain.TypePoolCreated,
		TargetType: domain.TargetPool,
		TargetID:   "9",
		Payload:    datatypes.JSONMap{"pool_id": "9"},
		CreatedAt:  clk.Now(),
	}}))

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	relay := NewRelay(RelayParams{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: repo, Redis: client})
	n, err := relay.PublishPending(context.Background(), 10)
	require.Error(t, err)
	assert.Zero(t, n)

	pending, err := repo.ListUnpublished(context.Background(), conn, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
