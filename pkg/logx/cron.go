package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronLogger adapts Logger to cron.Logger so cron's own messages
// (schedule, wake, recovered panics) go through the same sinks.
func CronLogger(l Logger) cron.Logger {
	return cronLogger{l: l}
}

type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	// cron's info output is per-wake; keep it at debug.
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]Field{Err(err)}, kvFields(keysAndValues)...)
	c.l.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		v := kv[i+1]
		out = append(out, func(e *zerolog.Event) { e.Interface(k, v) })
	}
	return out
}
