// Package obslog builds the daemon's structured logger. Adapted directly
// from ap_common/aputil's NewLogger/zapTimeEncoder/zapCallerEncoder/
// LogSetLevel (see DESIGN.md): same development-config-plus-custom-time-
// encoder shape, renamed to this module's domain. The custom caller
// encoder and its per-daemon-directory heuristic are dropped in favor of
// zap's default short caller (obs-treed is a single binary, not a
// directory-per-daemon tree like the teacher's).
package obslog

import (
	"log"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var atomicLevel = zap.NewAtomicLevel()

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006/01/02 15:04:05.000"))
}

// New returns a sugared zap logger for the named component, with a
// timestamp, level, and caller annotation on every line, e.g.:
//
//	2026/07/31 10:15:22.001  WARN  front  router/router.go:134  dropping malformed envelope  {"frame_count": 2}
func New(name string) *zap.SugaredLogger {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = atomicLevel
	zapConfig.DisableStacktrace = true
	zapConfig.EncoderConfig.EncodeTime = timeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		log.Panicf("can't build logger: %s", err)
	}
	_ = zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)
	return logger.Sugar().Named(name)
}

// SetLevel adjusts the log level dynamically, e.g. from a config reload.
func SetLevel(level string) error {
	var newLevel zapcore.Level
	if err := (&newLevel).UnmarshalText([]byte(level)); err != nil {
		return err
	}
	atomicLevel.SetLevel(newLevel)
	return nil
}
