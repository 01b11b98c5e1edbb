package util

import (
	"fmt"
	"sync"
)

func defaultExceptionSink(task string, err error) {
	WithField("task", task).Errorf("task died: %v", err)
}

var (
	sinkMu        sync.RWMutex
	exceptionSink = defaultExceptionSink
)

// SetExceptionSink replaces the handler invoked when a supervised
// goroutine panics. Passing nil restores the default, which logs the
// panic and keeps the process running; connection tasks rely on their
// watchdog for recovery, so a panicking handler must never take the
// whole daemon down with it.
func SetExceptionSink(fn func(task string, err error)) {
	if fn == nil {
		fn = defaultExceptionSink
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	exceptionSink = fn
}

// Go starts fn on a supervised goroutine. A panic in fn is recovered
// and reported to the exception sink instead of crashing the process.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
				sinkMu.RLock()
				sink := exceptionSink
				sinkMu.RUnlock()
				sink(task, err)
			}
		}()
		fn()
	}()
}
