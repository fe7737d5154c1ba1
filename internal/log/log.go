// package log holds the engine-wide logger slot. The engine is silent by
// default; embedders opt into diagnostics by installing a real logger.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Set replaces the engine logger. Passing nil restores the nop logger.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func L() *zap.Logger {
	return logger.Load()
}
