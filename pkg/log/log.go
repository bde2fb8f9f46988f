// Package log 封装了全局的 zap SugaredLogger。
package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	// Init 之前是 no-op logger
	sugar = zap.NewNop().Sugar()
)

// Init 按级别、编码（json|console）和可选的日志目录构建全局 logger。
// 日志目录非空时同时写 stdout 和 <outputPath>/app.log。
func Init(lvl, format, outputPath string) {
	logger, err := build(lvl, format, outputPath)
	if err != nil {
		panic(err)
	}
	sugar = logger.Sugar()
}

func build(lvl, format, outputPath string) (*zap.Logger, error) {
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	var enc zapcore.Encoder
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if outputPath != "" {
		if err := os.MkdirAll(outputPath, 0o755); err != nil {
			return nil, err
		}
		file, _, err := zap.Open(filepath.Join(outputPath, "app.log"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel)), nil
}

// SetLevel 在运行时调整日志级别，非法值被忽略。
func SetLevel(lvl string) {
	_ = level.UnmarshalText([]byte(lvl))
}

// Enabled 报告给定级别当前是否输出。
func Enabled(lvl zapcore.Level) bool {
	return level.Enabled(lvl)
}

// With 返回附带固定字段的子 logger，例如 documentId、requestId。
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return sugar.Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With(keysAndValues...)
}

func Info(msg string) {
	sugar.Info(msg)
}

func Infof(template string, args ...interface{}) {
	sugar.Infof(template, args...)
}

// Infow 记录结构化日志，键值对交替出现。
func Infow(msg string, keysAndValues ...interface{}) {
	sugar.Infow(msg, keysAndValues...)
}

func Debugf(template string, args ...interface{}) {
	sugar.Debugf(template, args...)
}

func Warnf(template string, args ...interface{}) {
	sugar.Warnf(template, args...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	sugar.Warnw(msg, keysAndValues...)
}

// Error 记录 error 级别日志并附带 err。
func Error(msg string, err error) {
	sugar.Errorw(msg, "error", err)
}

func Errorf(template string, args ...interface{}) {
	sugar.Errorf(template, args...)
}

func Fatal(msg string, err error) {
	sugar.Fatalw(msg, "error", err)
}

func Fatalf(template string, args ...interface{}) {
	sugar.Fatalf(template, args...)
}

// Sync 刷新缓冲区，退出前调用。
func Sync() {
	_ = sugar.Sync()
}
