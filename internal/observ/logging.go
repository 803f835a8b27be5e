package observ

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger installs the process-wide zap logger used by Log.
// Until it is called, Log writes to zap's no-op global.
func InitLogger(level string, development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = zap.L().Sync()
}

func Log(event string, kv map[string]any) {
	zap.L().Info(event, fields(kv)...)
}

func LogWarn(event string, kv map[string]any) {
	zap.L().Warn(event, fields(kv)...)
}

func LogError(event string, err error, kv map[string]any) {
	zap.L().Error(event, append(fields(kv), zap.Error(err))...)
}

func fields(kv map[string]any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, kv[k]))
	}
	return out
}
