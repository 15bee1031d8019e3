package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitReportsResult(t *testing.T) {
	p := New(context.Background(), 2)
	defer p.Close()

	boom := errors.New("boom")
	ok := p.Submit("ok", func(context.Context) error { return nil })
	bad := p.Submit("bad", func(context.Context) error { return boom })

	require.NoError(t, ok.Wait())
	require.ErrorIs(t, bad.Wait(), boom)
	require.Equal(t, "bad", bad.Name())
}

func TestLimitBoundsConcurrency(t *testing.T) {
	const limit = 3
	p := New(context.Background(), limit)
	defer p.Close()

	var running, peak int32
	release := make(chan struct{})
	var tasks []*Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, p.Submit("work", func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == limit
	}, time.Second, time.Millisecond)
	close(release)
	for _, task := range tasks {
		require.NoError(t, task.Wait())
	}
	require.EqualValues(t, limit, atomic.LoadInt32(&peak))
}

func TestSubmitDoesNotBlockWhenSaturated(t *testing.T) {
	p := New(context.Background(), 1)
	defer p.Close()

	release := make(chan struct{})
	first := p.Submit("hold", func(context.Context) error {
		<-release
		return nil
	})

	submitted := make(chan *Task)
	go func() {
		submitted <- p.Submit("queued", func(context.Context) error { return nil })
	}()

	select {
	case queued := <-submitted:
		close(release)
		require.NoError(t, first.Wait())
		require.NoError(t, queued.Wait())
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a saturated pool")
	}
}

func TestPanicBecomesError(t *testing.T) {
	p := New(context.Background(), 1)
	defer p.Close()

	err := p.Submit("panics", func(context.Context) error { panic("oops") }).Wait()
	require.ErrorContains(t, err, "oops")
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(context.Background(), 1)
	p.Close()
	require.ErrorIs(t, p.Submit("late", func(context.Context) error { return nil }).Wait(), ErrClosed)
}

func TestCloseDrainsNestedTasks(t *testing.T) {
	p := New(context.Background(), 1)

	var nested *Task
	outer := p.Submit("outer", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		nested = p.Submit("nested", func(context.Context) error { return nil })
		return nil
	})
	p.Close()

	require.NoError(t, outer.Wait())
	require.NoError(t, nested.Wait())
}

func TestSubmitOrElseWhenClosed(t *testing.T) {
	p := New(context.Background(), 1)
	p.Close()

	var ran bool
	var reason error
	task := p.SubmitOrElse("late", func(context.Context) error {
		ran = true
		return nil
	}, func(err error) { reason = err })

	require.ErrorIs(t, task.Wait(), ErrClosed)
	require.ErrorIs(t, reason, ErrClosed)
	require.False(t, ran)
}

func TestSubmitOrElseWhenStoppedWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1)
	defer p.Close()

	started := make(chan struct{})
	busy := p.Submit("busy", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	abandoned := make(chan error, 1)
	waiting := p.SubmitOrElse("waiting", func(context.Context) error {
		t.Error("task ran after the pool stopped")
		return nil
	}, func(err error) { abandoned <- err })

	cancel()
	require.ErrorIs(t, busy.Wait(), context.Canceled)
	require.ErrorIs(t, waiting.Wait(), context.Canceled)
	require.ErrorIs(t, <-abandoned, context.Canceled)
}

func TestSubmitOrElseNotCalledWhenRun(t *testing.T) {
	p := New(context.Background(), 1)
	defer p.Close()

	boom := errors.New("boom")
	task := p.SubmitOrElse("run", func(context.Context) error { return boom },
		func(error) { t.Error("fallback called for a task that ran") })
	require.ErrorIs(t, task.Wait(), boom)
}
