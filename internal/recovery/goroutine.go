package recovery

import (
	"runtime/debug"

	"github.com/vanpelt/shellhost/internal/logger"
)

// SafeGo runs a function in a goroutine with automatic panic recovery.
// A panic in one session's goroutine must not take down every other session.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// SafeGoWithCleanup runs a function in a goroutine with panic recovery and cleanup.
// cleanup runs whether fn returns normally or panics.
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
		}()
		defer Recover(name)
		fn()
	}()
}

// Recover logs and swallows a panic. It must be called directly via defer.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Logger.Error().
			Str("goroutine", name).
			Interface("panic", r).
			Str("stack", string(debug.Stack())).
			Msg("🚨 PANIC recovered")
	}
}
