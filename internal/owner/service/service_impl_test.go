package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/allotment/internal/clock"
	"github.com/smallbiznis/allotment/internal/owner/domain"
	"github.com/smallbiznis/allotment/internal/owner/repository"
	"github.com/smallbiznis/allotment/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) domain.Service {
	t.Helper()
	return New(Params{
		DB:    testutil.NewDB(t),
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
}

func TestCreateOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	owner, err := svc.Create(ctx, domain.CreateRequest{Key: " acme ", DisplayName: "Acme", DefaultServiceLevel: "Premium"})
	require.NoError(t, err)
	assert.Equal(t, "acme", owner.Key)
	assert.NotZero(t, owner.ID)

	got, err := svc.GetByKey(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got.ID)
	assert.Equal(t, "Premium", got.DefaultServiceLevel)
}

func TestCreateOwnerRejectsBlankAndDuplicateKeys(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateRequest{Key: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidKey)

	_, err = svc.Create(ctx, domain.CreateRequest{Key: "acme"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, domain.CreateRequest{Key: "acme"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestGetOwnerNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.GetByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
