package utils

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"qsock/config"
)

var (
	Logger *zap.Logger
)

func init() {
	Logger = build()
}

// build 根据全局配置构建 zap Logger；未配置文件路径时退回控制台输出。
func build() *zap.Logger {
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= levelMap[config.GlobalCfg.Log.Level]
	})

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var sink zapcore.WriteSyncer
	if path := config.GlobalCfg.Log.Path; path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, enabler)

	return zap.New(core, zap.AddCaller())
}

// Rebuild 在配置重载后重建全局 Logger。
func Rebuild() {
	old := Logger
	Logger = build()
	_ = old.Sync()
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
