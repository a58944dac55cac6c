package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ev3c/ev3tunnel/arbiter"
	"github.com/ev3c/ev3tunnel/internal/task"
	"github.com/ev3c/ev3tunnel/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestManager_RestartAfterFailure(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := NewManager(ctx, WithRetryInterval(10*time.Millisecond))

	var attempts atomic.Int32
	flaky := New("flaky", func(ctx context.Context, _ *Session) error {
		if attempts.Add(1) <= 2 {
			return errors.New("device link lost")
		}
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	steady := New("steady", func(ctx context.Context, _ *Session) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	require.NoError(mgr.Start(flaky))
	require.NoError(mgr.Start(steady))

	require.Eventually(func() bool { return flaky.Running() && flaky.Restarts() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(steady.Running())
	require.Zero(steady.Restarts())

	infos := mgr.Snapshot()
	require.Len(infos, 2)
	require.Equal("flaky", infos[0].Name)
	require.Equal("steady", infos[1].Name)
	require.Equal(uint64(2), infos[0].Restarts)

	got, ok := mgr.Get("steady")
	require.True(ok)
	require.Same(steady, got)
	_, ok = mgr.Get("missing")
	require.False(ok)

	mgr.Stop()
	mgr.Wait()
	require.False(flaky.Running())
	require.False(steady.Running())
	require.ErrorIs(steady.Err(), context.Canceled)
}

func TestManager_RejectedIsNotRetried(t *testing.T) {
	require := require.New(t)

	l := logger.NewMockLogger()
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Error", "session rejected", mock.Anything).Once()

	mgr := NewManager(context.Background(), WithRetryInterval(time.Millisecond), WithManagerLogger(l))

	var attempts atomic.Int32
	s := New("r9", func(context.Context, *Session) error {
		attempts.Add(1)
		return &arbiter.RejectedError{Reason: "no such device"}
	}, l)

	require.NoError(mgr.Start(s))
	mgr.Wait()

	require.Equal(int32(1), attempts.Load())
	require.Zero(s.Restarts())
	require.ErrorIs(s.Err(), arbiter.ErrRejected)
	l.AssertExpectations(t)
}

func TestManager_RestartsDisabled(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), WithRetryInterval(-1))

	var attempts atomic.Int32
	s := New("once", func(context.Context, *Session) error {
		attempts.Add(1)
		panic("bad state")
	}, nil)

	require.NoError(mgr.Start(s))
	mgr.Wait()

	require.Equal(int32(1), attempts.Load())
	require.ErrorContains(s.Err(), "panic: bad state")
}

func TestManager_Duplicate(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := NewManager(ctx)

	block := func(ctx context.Context, _ *Session) error {
		<-ctx.Done()
		return nil
	}
	require.NoError(mgr.Start(New("EV3", block, nil)))
	require.ErrorIs(mgr.Start(New("EV3", block, nil)), ErrDuplicate)

	cancel()
	mgr.Wait()

	require.ErrorIs(mgr.Start(New("late", block, nil)), task.ErrStopped)
	_, ok := mgr.Get("late")
	require.False(ok)
}
