// Package workqueue реализует очередь задач с ограничением числа одновременно
// выполняемых задач.
//
// Задачи стартуют строго в порядке постановки (FIFO), каждая в своей горутине.
// Cancel отклоняет еще не стартовавшие задачи и не прерывает выполняющиеся:
// они получают отмененный контекст и сами решают, завершаться ли раньше.
package workqueue

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
)

// ErrCancelled получают задачи, которые не успели стартовать до Cancel.
var ErrCancelled = errors.New("задача отменена до запуска")

// Task единица асинхронной работы. ctx отменяется при Cancel очереди.
type Task[T any] func(ctx context.Context) (T, error)

// Observer получает уведомления об изменении состояния очереди.
// Вызывается вне внутренней блокировки очереди.
type Observer interface {
	QueueChanged(pending, active int)
	TaskSettled(err error)
}

// Option настраивает очередь.
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver подключает наблюдателя (например, prometheus метрики).
func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

type job[T any] struct {
	task   Task[T]
	future *Future[T]
}

// Queue очередь задач с потолком параллельности.
type Queue[T any] struct {
	ceiling  int
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	active       int
	pending      []*job[T]
	running      []*job[T]
	emptyWaiters []chan struct{}
}

// New создает очередь с потолком ceiling. ceiling < 1 трактуется как 1.
func New[T any](ceiling int, opts ...Option) *Queue[T] {
	if ceiling < 1 {
		ceiling = 1
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		ceiling:  ceiling,
		observer: o.observer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit ставит задачу в очередь. Задача никогда не выполняется внутри Submit.
func (q *Queue[T]) Submit(task Task[T]) *Future[T] {
	j := &job[T]{task: task, future: newFuture[T]()}

	q.mu.Lock()
	q.pending = append(q.pending, j)
	cancelled := q.dispatchLocked()
	pending, active := len(q.pending), q.active
	q.mu.Unlock()

	q.notify(pending, active, cancelled)
	return j.future
}

// Cancel отклоняет все ожидающие задачи с ErrCancelled и возвращает future,
// который завершится, когда завершатся все задачи, выполнявшиеся в момент вызова.
// Результаты этих задач собираются в порядке их запуска.
func (q *Queue[T]) Cancel() *Future[[]Result[T]] {
	q.mu.Lock()
	q.cancel()

	var zero T
	cancelled := len(q.pending)
	for _, j := range q.pending {
		j.future.settle(zero, ErrCancelled)
	}
	q.pending = nil

	running := make([]*job[T], len(q.running))
	copy(running, q.running)
	q.notifyEmptyLocked()
	active := q.active
	q.mu.Unlock()

	q.notify(0, active, cancelled)

	aggregate := newFuture[[]Result[T]]()
	go func() {
		results := make([]Result[T], 0, len(running))
		for _, j := range running {
			v, err := j.future.Result()
			results = append(results, Result[T]{Value: v, Err: err})
		}
		aggregate.settle(results, nil)
	}()
	return aggregate
}

// AwaitEmpty возвращает канал, который закрывается, когда в очереди нет ни
// ожидающих, ни выполняющихся задач. Если очередь уже пуста, канал уже закрыт.
func (q *Queue[T]) AwaitEmpty() <-chan struct{} {
	ch := make(chan struct{})

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 && q.active == 0 {
		close(ch)
		return ch
	}
	q.emptyWaiters = append(q.emptyWaiters, ch)
	return ch
}

// Len количество ожидающих задач.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active количество выполняющихся задач.
func (q *Queue[T]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// dispatchLocked запускает задачи из головы очереди, пока есть свободные слоты.
// После отмены очереди задачи завершаются с ErrCancelled без занятия слота.
// Возвращает число таких задач.
func (q *Queue[T]) dispatchLocked() int {
	cancelled := 0
	for len(q.pending) > 0 {
		if q.ctx.Err() == nil && q.active >= q.ceiling {
			break
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		if q.ctx.Err() != nil {
			var zero T
			j.future.settle(zero, ErrCancelled)
			cancelled++
			continue
		}

		q.active++
		q.running = append(q.running, j)
		go q.run(j)
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	q.notifyEmptyLocked()
	return cancelled
}

func (q *Queue[T]) run(j *job[T]) {
	value, err := q.execute(j.task)

	q.mu.Lock()
	q.active--
	for i, r := range q.running {
		if r == j {
			q.running = append(q.running[:i], q.running[i+1:]...)
			break
		}
	}
	// результат устанавливается до запуска следующей задачи
	j.future.settle(value, err)
	cancelled := q.dispatchLocked()
	pending, active := len(q.pending), q.active
	q.mu.Unlock()

	if q.observer != nil {
		q.observer.TaskSettled(err)
	}
	q.notify(pending, active, cancelled)
}

func (q *Queue[T]) execute(task Task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("паника в задаче: %v\n%s", r, debug.Stack())
		}
	}()
	return task(q.ctx)
}

func (q *Queue[T]) notifyEmptyLocked() {
	if len(q.pending) != 0 || q.active != 0 || len(q.emptyWaiters) == 0 {
		return
	}
	for _, ch := range q.emptyWaiters {
		close(ch)
	}
	q.emptyWaiters = nil
}

func (q *Queue[T]) notify(pending, active, cancelled int) {
	if q.observer == nil {
		return
	}
	for i := 0; i < cancelled; i++ {
		q.observer.TaskSettled(ErrCancelled)
	}
	q.observer.QueueChanged(pending, active)
}
