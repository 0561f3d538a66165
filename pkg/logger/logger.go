package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIdKey 是 context 中 trace id 的 key（http 中间件和 ws 会话都会写入）
const TraceIdKey = "trace_id"

// ConnIdKey 是 context 中 websocket 连接 id 的 key
const ConnIdKey = "conn_id"

// 全局 Logger 实例
var Log = zap.NewNop()

// level 可以在运行时调整（配置热更新）
var level = zap.NewAtomicLevel()

type Config struct {
	Service string `mapstructure:"service"`
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	File    string `mapstructure:"file"`    // 为空时使用 logs/{service}.log
	NoFile  bool   `mapstructure:"no_file"` // 容器里只打 stdout
}

// Init 初始化日志组件
// serviceName: 当前服务的名称 (例如 "market-hub")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	InitWithConfig(Config{Service: serviceName, Level: level})
}

// InitWithConfig 按配置初始化全局 Logger，文件打开失败时只输出到控制台，不中断程序
func InitWithConfig(c Config) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(c.Level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	level.SetLevel(zapLevel)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}

	if !c.NoFile {
		logFile := c.File
		if logFile == "" {
			logFile = filepath.Join("logs", c.Service+".log")
		}
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig), // JSON 格式方便 ELK 收集
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		level,
	)

	// AddCallerSkip(1): 跳过本包的封装函数，行号指向调用方
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", c.Service))
}

// SetLevel 运行时切换日志级别，非法级别返回错误且不生效
func SetLevel(l string) error {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(l)); err != nil {
		return err
	}
	level.SetLevel(zl)
	return nil
}

// WithConn 把连接 id 放进 context，之后的日志会自动带上 conn_id
func WithConn(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIdKey, connID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, extract(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, extract(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, extract(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, extract(ctx, fields)...)
}

// Fatal 会调用 os.Exit，只在 main 里用
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, extract(ctx, fields)...)
}

// extract 从 context 中提取 trace_id / conn_id 追加到 fields
func extract(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if connID, ok := ctx.Value(ConnIdKey).(string); ok && connID != "" {
		fields = append(fields, zap.String("conn_id", connID))
	}
	return fields
}

// Sync 刷新缓冲区 (main 函数 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
