package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

// DefaultFile is where Setup writes when file logging is enabled without a path.
const DefaultFile = "logs/p2p-share.log"

// Options controls how Setup builds the global logger.
type Options struct {
	// Level is a zap level name ("debug", "info", ...). Empty falls back to
	// P2P_LOG_LEVEL, then LOG_LEVEL, then info.
	Level string
	// File, when set, sends output to that file instead of stderr.
	File string
}

func init() {
	if err := Setup(Options{}); err != nil {
		panic(err)
	}
}

// Setup replaces Log and Sugar.
func Setup(opts Options) error {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level, err := resolveLevel(opts.Level)
	if err != nil {
		return err
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), sink, level)

	// AddCaller ensures the log includes filename and line number
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}

// Replace swaps in an already built logger, mostly for tests using zaptest/observer.
func Replace(l *zap.Logger) {
	Log = l
	Sugar = l.Sugar()
}

func resolveLevel(name string) (zapcore.Level, error) {
	levelStr := strings.TrimSpace(name)
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL"))
	}
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}

	level := zapcore.InfoLevel
	if levelStr == "" {
		return level, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(levelStr))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	return level, nil
}
