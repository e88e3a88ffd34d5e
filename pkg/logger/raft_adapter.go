package logger

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultQuietSubstrings are message substrings raft emits at a noisy
// cadence regardless of what's backing the FSM (raft-boltdb's "tx closed"
// fires on every snapshot boundary); suppressed unconditionally rather
// than just de-leveled, since even at debug they would drown out the
// liveness registry's own sweep/heartbeat logging.
var defaultQuietSubstrings = []string{"tx closed"}

// ZapRaftLogger adapts a zap.Logger to the hclog.Logger interface so
// hashicorp/raft (used by core/liveness for the replicated liveness
// registry) logs through the same structured sink as the rest of the
// process.
type ZapRaftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
	quiet  []string
}

// NewZapRaftLogger creates a new adapter around zapLogger, a contextual
// logger already named for the raft component. extraQuiet lets a caller
// suppress additional noisy message substrings specific to how it's using
// raft, layered on top of defaultQuietSubstrings.
func NewZapRaftLogger(zapLogger *zap.Logger, extraQuiet ...string) *ZapRaftLogger {
	initialLevel := zap.InfoLevel
	if core := zapLogger.Core(); core.Enabled(zap.DebugLevel) {
		initialLevel = zap.DebugLevel
	}
	quiet := make([]string, 0, len(defaultQuietSubstrings)+len(extraQuiet))
	quiet = append(quiet, defaultQuietSubstrings...)
	quiet = append(quiet, extraQuiet...)
	return &ZapRaftLogger{
		logger: zapLogger,
		level:  zap.NewAtomicLevelAt(initialLevel),
		quiet:  quiet,
	}
}

// Log implements hclog.Logger's generic entry point, routing to the same
// filtering and field conversion as the leveled methods rather than
// dropping the message, since some hclog consumers (notably raft's own
// internal io.Writer shims) call this instead of the leveled methods.
func (z *ZapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	z.log(hclogToZapLevel(level), msg, args...)
}

func (z *ZapRaftLogger) Trace(msg string, args ...interface{}) {
	z.log(zap.DebugLevel, msg, args...)
}

func (z *ZapRaftLogger) Debug(msg string, args ...interface{}) {
	z.log(zap.DebugLevel, msg, args...)
}

func (z *ZapRaftLogger) Info(msg string, args ...interface{}) {
	z.log(zap.InfoLevel, msg, args...)
}

func (z *ZapRaftLogger) Warn(msg string, args ...interface{}) {
	z.log(zap.WarnLevel, msg, args...)
}

func (z *ZapRaftLogger) Error(msg string, args ...interface{}) {
	z.log(zap.ErrorLevel, msg, args...)
}

func hclogToZapLevel(level hclog.Level) zapcore.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return zap.DebugLevel
	case hclog.Warn:
		return zap.WarnLevel
	case hclog.Error:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func (z *ZapRaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	for _, s := range z.quiet {
		if strings.Contains(msg, s) {
			return
		}
	}
	if !z.level.Enabled(level) {
		return
	}
	fields := z.argsToZapFields(args...)
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (z *ZapRaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapRaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapRaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *ZapRaftLogger) With(args ...interface{}) hclog.Logger {
	fields := z.argsToZapFields(args...)
	return &ZapRaftLogger{logger: z.logger.With(fields...), name: z.name, level: z.level, quiet: z.quiet}
}

func (z *ZapRaftLogger) Named(name string) hclog.Logger {
	newName := name
	if z.name != "" {
		newName = z.name + "." + name
	}
	return &ZapRaftLogger{logger: z.logger.Named(name), name: newName, level: z.level, quiet: z.quiet}
}

func (z *ZapRaftLogger) ResetNamed(name string) hclog.Logger {
	return &ZapRaftLogger{logger: z.logger.Named(name), name: name, level: z.level, quiet: z.quiet}
}

func (z *ZapRaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *ZapRaftLogger) SetLevel(level hclog.Level) {
	z.level.SetLevel(hclogToZapLevel(level))
}

func (z *ZapRaftLogger) ImpliedArgs() []interface{} { return nil }

func (z *ZapRaftLogger) Name() string { return z.name }

func (z *ZapRaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger { return nil }

func (z *ZapRaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer { return nil }

func (z *ZapRaftLogger) argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
