package server

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log 全局 SugaredLogger；InitLogger 之前为空实现，测试中无需初始化
var Log = zap.NewNop().Sugar()

// LogOptions 日志输出参数
type LogOptions struct {
	File    string // 日志文件路径，为空则只输出到控制台
	Level   string // debug/info/warn/error
	Console bool   // 同时输出到 stderr
}

// InitLogger 初始化 zap 日志：文件按大小滚动，可选同时输出到控制台
func InitLogger(opts LogOptions) error {
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	Log = logger.Sugar()
	return nil
}

func newLogger(opts LogOptions) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	// 文件与终端都用控制台风格，便于直接阅读
	encoder := zapcore.NewConsoleEncoder(encCfg)
	var cores []zapcore.Core
	if opts.File != "" {
		// 10MB 每文件，保留 3 个备份
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(lj), lvl))
	}
	if opts.Console || opts.File == "" {
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.Lock(os.Stderr), lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// SyncLogger 清理和同步缓冲
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
