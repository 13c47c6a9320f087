package coroutine

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// DebugFlags selects categories of Debug level logging.
type DebugFlags uint32

const (
	// DebugTask logs task creation, completion and release.
	DebugTask DebugFlags = 1 << iota
	// DebugScheduler logs Scheduler and Processer lifecycle.
	DebugScheduler
	// DebugTimer logs timer registration and cancellation.
	DebugTimer
	// DebugSync logs suspend and wakeup.
	DebugSync
	// DebugSteal logs tasks moved between Processers.
	DebugSteal

	// DebugAll enables every category.
	DebugAll = DebugTask | DebugScheduler | DebugTimer | DebugSync | DebugSteal
)

// runawayRates limits warnings about long-running tasks, per location.
var runawayRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

type schedLogger struct {
	logger  *logiface.Logger[logiface.Event]
	runaway *catrate.Limiter
	flags   DebugFlags
}

func newSchedLogger(logger *logiface.Logger[logiface.Event], flags DebugFlags) *schedLogger {
	return &schedLogger{
		logger:  logger,
		runaway: catrate.NewLimiter(runawayRates),
		flags:   flags,
	}
}

// debug returns nil unless the category is enabled, and the logger is
// writable at debug level.
func (x *schedLogger) debug(flag DebugFlags) *logiface.Builder[logiface.Event] {
	if x.flags&flag == 0 {
		return nil
	}
	return x.logger.Debug()
}

func (x *schedLogger) warning() *logiface.Builder[logiface.Event] {
	return x.logger.Warning()
}

func (x *schedLogger) err() *logiface.Builder[logiface.Event] {
	return x.logger.Err()
}

func (x *schedLogger) crit() *logiface.Builder[logiface.Event] {
	return x.logger.Crit()
}

func (x *schedLogger) info() *logiface.Builder[logiface.Event] {
	return x.logger.Info()
}

// allowRunaway reports whether a runaway warning for location may be
// logged now.
func (x *schedLogger) allowRunaway(location string) bool {
	_, ok := x.runaway.Allow(location)
	return ok
}
