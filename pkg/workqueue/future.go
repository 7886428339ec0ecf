package workqueue

import (
	"context"
	"sync"
)

// Future результат асинхронной задачи, устанавливается ровно один раз.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// settle устанавливает результат. Повторные вызовы игнорируются.
func (f *Future[T]) settle(value T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

// Done закрывается после установки результата.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result блокируется до установки результата.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait как Result, но с возможностью прервать ожидание через ctx.
// Прерывание ожидания не отменяет саму задачу.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result пара значение/ошибка завершенной задачи.
type Result[T any] struct {
	Value T
	Err   error
}
