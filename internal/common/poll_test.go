package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollCompletes(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return calls.Add(1) == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollStopsOnError(t *testing.T) {
	t.Parallel()
	boom := E(KindUserRejected, "poll", errors.New("rejected"))
	var calls atomic.Int32
	err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls.Add(1)
		return false, boom
	})
	require.ErrorIs(t, err, ErrUserRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollTimesOut(t *testing.T) {
	t.Parallel()
	err := Poll(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPollRejectsBadInterval(t *testing.T) {
	t.Parallel()
	err := Poll(context.Background(), 0, time.Second, func(context.Context) (bool, error) { return true, nil })
	require.Error(t, err)
}
