package common

import (
	"fmt"
	"runtime"

	"github.com/ternarybob/arbor"
)

// SafeGo runs fn in a goroutine with panic recovery.
// Panics are logged but don't crash the service.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic. Use as: defer common.Recover(logger, "name")
func Recover(logger arbor.ILogger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWith logs a recovered panic, then hands its value to onPanic.
// Use as: defer common.RecoverWith(logger, "name", func(r interface{}) { ... })
func RecoverWith(logger arbor.ILogger, name string, onPanic func(r interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		onPanic(r)
	}
}

func logPanic(logger arbor.ILogger, name string, r interface{}) {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	logger.Error().
		Str("goroutine", name).
		Str("panic", fmt.Sprintf("%v", r)).
		Str("stack", string(buf[:n])).
		Msg("Recovered from panic in goroutine - continuing service operation")
}
