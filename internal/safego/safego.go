// Package safego launches background goroutines that survive their own panics.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine. A panic is recovered and logged with its
// stack instead of taking the process down.
func Go(fn func()) {
	Named("background", fn)
}

// Named is Go with task attached to the panic log.
func Named(task string, fn func()) {
	go func() {
		defer Recover(task)
		fn()
	}()
}

// Recover logs a recovered panic for task. It must be deferred directly.
func Recover(task string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", task, "panic", r, "stack", string(debug.Stack()))
	}
}
