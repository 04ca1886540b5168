package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level   string        `mapstructure:"level"`   // debug/info/warn/error，默认 info
	Format  string        `mapstructure:"format"`  // json/console，默认 json
	Console bool          `mapstructure:"console"` // 是否输出到 stderr
	File    string        `mapstructure:"file"`    // 普通文件输出
	Rotate  *RotateConfig `mapstructure:"rotate"`  // 轮转文件输出（nil 则不启用）
}

// RotateConfig 文件轮转配置（lumberjack）
type RotateConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxAge     int    `mapstructure:"max_age"`  // 天
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
	if c.Rotate != nil && c.Rotate.MaxSize <= 0 {
		c.Rotate.MaxSize = 100
	}
}

// New 按配置构造 zap.Logger
func New(cfg Config) (*zap.Logger, error) {
	cfg.setDefaults()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	switch cfg.Format {
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var writers []zapcore.WriteSyncer
	if cfg.Console {
		writers = append(writers, zapcore.Lock(os.Stderr))
	}
	if cfg.File != "" {
		w, _, err := zap.Open(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", cfg.File, err)
		}
		writers = append(writers, w)
	}
	if cfg.Rotate != nil && cfg.Rotate.Filename != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Rotate.Filename,
			MaxSize:    cfg.Rotate.MaxSize,
			MaxAge:     cfg.Rotate.MaxAge,
			MaxBackups: cfg.Rotate.MaxBackups,
			Compress:   cfg.Rotate.Compress,
		}))
	}
	if len(writers) == 0 {
		return nil, fmt.Errorf("logging: no output configured")
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(writers...), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// OrNop 返回 l，若为 nil 则返回 zap.NewNop()
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
