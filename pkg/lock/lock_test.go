package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLockerAcquireIsNoop(t *testing.T) {
	var l *Locker
	release, err := l.Acquire(context.Background(), "owner:acme", time.Second)
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}

func TestNewLockerWithoutClient(t *testing.T) {
	assert.Nil(t, NewLocker(nil))
}

func TestTryLockValidatesArguments(t *testing.T) {
	l := &Locker{}
	_, _, err := l.TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
}
