package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// concurrencyTracker считает одновременно выполняющиеся задачи и порядок их старта.
type concurrencyTracker struct {
	current atomic.Int32
	max     atomic.Int32

	mu     sync.Mutex
	starts []int
}

func (p *concurrencyTracker) task(id int, delay time.Duration) Task[int] {
	return func(ctx context.Context) (int, error) {
		p.mu.Lock()
		p.starts = append(p.starts, id)
		p.mu.Unlock()

		n := p.current.Add(1)
		for {
			m := p.max.Load()
			if n <= m || p.max.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(delay)
		p.current.Add(-1)
		return id, nil
	}
}

func (p *concurrencyTracker) startOrder() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.starts))
	copy(out, p.starts)
	return out
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestQueue_CeilingIsNeverExceeded(t *testing.T) {
	q := New[int](3)
	tracker := &concurrencyTracker{}

	futures := make([]*Future[int], 0, 20)
	for i := 0; i < 20; i++ {
		futures = append(futures, q.Submit(tracker.task(i, 5*time.Millisecond)))
	}
	for i, f := range futures {
		v, err := f.Result()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.LessOrEqual(t, tracker.max.Load(), int32(3), "превышен потолок параллельности")
	assert.Equal(t, int32(3), tracker.max.Load(), "очередь должна использовать все слоты")
}

func TestQueue_StartsTasksInSubmissionOrder(t *testing.T) {
	q := New[int](1)
	tracker := &concurrencyTracker{}

	var last *Future[int]
	for i := 1; i <= 3; i++ {
		last = q.Submit(tracker.task(i, time.Millisecond))
	}
	_, err := last.Result()
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, tracker.startOrder())
}

func TestQueue_SubmitDoesNotRunInline(t *testing.T) {
	q := New[int](1)
	gate := make(chan struct{})

	// если бы Submit выполнял задачу синхронно, тест бы завис на gate
	f := q.Submit(func(ctx context.Context) (int, error) {
		<-gate
		return 7, nil
	})
	close(gate)

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestQueue_AwaitEmptyOnIdleQueueSettlesImmediately(t *testing.T) {
	q := New[int](2)
	assert.True(t, isClosed(q.AwaitEmpty()))

	_, err := q.Submit(func(ctx context.Context) (int, error) { return 1, nil }).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return isClosed(q.AwaitEmpty()) }, time.Second, time.Millisecond)
}

func TestQueue_AwaitEmptyWaitsForLastTask(t *testing.T) {
	q := New[int](1)
	release := make(chan struct{})

	blocking := func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	}
	q.Submit(blocking)
	q.Submit(blocking)

	empty := q.AwaitEmpty()
	assert.False(t, isClosed(empty))

	release <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	assert.False(t, isClosed(empty), "вторая задача еще выполняется")

	release <- struct{}{}
	select {
	case <-empty:
	case <-time.After(time.Second):
		t.Fatal("AwaitEmpty не завершился после последней задачи")
	}
}

func TestQueue_CancelRejectsQueuedAndKeepsRunning(t *testing.T) {
	q := New[string](1)
	release := make(chan struct{})
	started := make(chan struct{})

	running := q.Submit(func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "done", nil
	})
	<-started

	var ranQueued atomic.Bool
	queued := []*Future[string]{
		q.Submit(func(ctx context.Context) (string, error) { ranQueued.Store(true); return "", nil }),
		q.Submit(func(ctx context.Context) (string, error) { ranQueued.Store(true); return "", nil }),
	}

	aggregate := q.Cancel()

	for _, f := range queued {
		_, err := f.Result()
		assert.ErrorIs(t, err, ErrCancelled)
	}
	assert.False(t, isClosed(aggregate.Done()), "выполняющаяся задача еще не завершилась")

	late := q.Submit(func(ctx context.Context) (string, error) { ranQueued.Store(true); return "", nil })
	_, err := late.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	close(release)
	results, err := aggregate.Result()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "done", results[0].Value)
	assert.NoError(t, results[0].Err)

	v, err := running.Result()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.False(t, ranQueued.Load(), "после Cancel не должна стартовать ни одна задача")

	select {
	case <-q.AwaitEmpty():
	case <-time.After(time.Second):
		t.Fatal("очередь не опустела после Cancel")
	}
}

func TestQueue_CancelSignalsRunningTasks(t *testing.T) {
	q := New[int](1)
	started := make(chan struct{})

	f := q.Submit(func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started

	results, err := q.Cancel().Result()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)

	_, err = f.Result()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_CancelOnIdleQueueSettlesImmediately(t *testing.T) {
	q := New[int](2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := q.Cancel().Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueue_TaskErrorAndPanicSettleFuture(t *testing.T) {
	q := New[int](2)
	boom := errors.New("boom")

	failed := q.Submit(func(ctx context.Context) (int, error) { return 0, boom })
	panicked := q.Submit(func(ctx context.Context) (int, error) { panic("неожиданно") })
	after := q.Submit(func(ctx context.Context) (int, error) { return 3, nil })

	_, err := failed.Result()
	assert.ErrorIs(t, err, boom)

	_, err = panicked.Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "паника в задаче")
	assert.Contains(t, err.Error(), "неожиданно")
	assert.Implements(t, (*interface{ StackTrace() pkgerrors.StackTrace })(nil), err)

	v, err := after.Result()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

// Сценарий: потолок 2, пять задач с фиксированной задержкой.
func TestQueue_TwoSlotsFiveTasksScenario(t *testing.T) {
	q := New[int](2)
	tracker := &concurrencyTracker{}

	futures := make([]*Future[int], 0, 5)
	for i := 1; i <= 5; i++ {
		futures = append(futures, q.Submit(tracker.task(i, 20*time.Millisecond)))
	}
	empty := q.AwaitEmpty()

	for _, f := range futures[:4] {
		_, err := f.Result()
		require.NoError(t, err)
	}

	select {
	case <-empty:
		// пятая задача могла завершиться одновременно с четвертой
		assert.True(t, isClosed(futures[4].Done()))
	case <-futures[4].Done():
		<-empty
	case <-time.After(time.Second):
		t.Fatal("очередь не опустела")
	}

	assert.True(t, isClosed(futures[4].Done()), "AwaitEmpty завершился раньше пятой задачи")
	assert.Equal(t, int32(2), tracker.max.Load())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, tracker.startOrder())
}

type recordingObserver struct {
	mu       sync.Mutex
	maxAct   int
	settled  int
	canceled int
}

func (o *recordingObserver) QueueChanged(pending, active int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if active > o.maxAct {
		o.maxAct = active
	}
}

func (o *recordingObserver) TaskSettled(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled++
	if errors.Is(err, ErrCancelled) {
		o.canceled++
	}
}

func TestQueue_ObserverSeesSettlements(t *testing.T) {
	obs := &recordingObserver{}
	q := New[int](2, WithObserver(obs))

	for i := 0; i < 4; i++ {
		q.Submit(func(ctx context.Context) (int, error) {
			time.Sleep(2 * time.Millisecond)
			return 0, nil
		})
	}
	<-q.AwaitEmpty()

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.settled == 4
	}, time.Second, time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.maxAct)
	assert.Zero(t, obs.canceled)
}
