// Package task runs long-lived pipeline goroutines and reports how they ended.
package task

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var ErrPanicked = errors.New("task panicked")

// Task is a running goroutine that can be awaited. A panic inside it is
// recovered and reported by Wait instead of crashing the process.
type Task struct {
	name string
	done chan struct{}
	err  error
}

func Go(name string, fn func()) *Task {
	return GoErr(name, func() error {
		fn()
		return nil
	})
}

// GoErr is Go for a function that can fail. Its error is returned by Wait.
func GoErr(name string, fn func() error) *Task {
	t := &Task{
		name: name,
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%w: %s: %v\n%s", ErrPanicked, name, r, debug.Stack())
			}
		}()
		t.err = fn()
	}()

	return t
}

func (t *Task) Name() string {
	return t.name
}

// Done is closed once the goroutine has returned, normally or not.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Wait() error {
	<-t.done
	return t.err
}
