package utils

import (
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/jamesirl/blog/config"
)

var (
	// Logger is the global structured logger
	Logger *zap.Logger
	// Sugar is a sugared logger for convenience
	Sugar *zap.SugaredLogger
)

// InitLogger initializes a zap logger with console + rolling file outputs based on configuration.
func InitLogger(cfg config.AppConfig) error {
	if cfg.LogPath != "" {
		if dir := filepath.Dir(cfg.LogPath); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
	}

	level := parseLevel(cfg.LogLevel)

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= level })

	var cores []zapcore.Core
	cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stdout), enabler))

	if cfg.LogPath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    nz(cfg.LogMaxSizeMB, 100), // megabytes
			MaxBackups: nz(cfg.LogMaxBackups, 3),
			MaxAge:     nz(cfg.LogMaxAgeDays, 7), // days
			Compress:   cfg.LogCompress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), enabler))
	}

	core := zapcore.NewTee(cores...)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.LogLevel == "debug" {
		opts = append(opts, zap.Development())
	}
	Logger = zap.New(core, opts...)
	Sugar = Logger.Sugar()
	return nil
}

// NewRollingFileLogger builds a standalone zap logger writing to a rolling
// file, used for the HTTP access log.
func NewRollingFileLogger(path, level string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) (*zap.Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    nz(maxSizeMB, 100),
		MaxBackups: nz(maxBackups, 3),
		MaxAge:     nz(maxAgeDays, 7),
		Compress:   compress,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	lvl := parseLevel(level)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl }))
	return zap.New(core), nil
}

// Ginzap returns a gin middleware logging requests through zap.
func Ginzap(logger *zap.Logger, timeFormat string, utc bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		c.Next()

		end := time.Now()
		latency := end.Sub(start)
		if utc {
			end = end.UTC()
		}

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.String("user-agent", c.Request.UserAgent()),
			zap.String("time", end.Format(timeFormat)),
			zap.Duration("latency", latency),
		}
		if len(c.Errors) > 0 {
			for _, e := range c.Errors.Errors() {
				logger.Error(e, fields...)
			}
			return
		}
		logger.Info(path, fields...)
	}
}

// RecoveryWithZap returns a gin middleware that recovers from panics, logs
// them through zap, and answers 500. Broken pipes are logged and dropped
// without a response since the client is already gone.
func RecoveryWithZap(logger *zap.Logger, stack bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				brokenPipe := false
				if ne, ok := err.(*net.OpError); ok {
					if se, ok := ne.Err.(*os.SyscallError); ok {
						msg := strings.ToLower(se.Error())
						if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer") {
							brokenPipe = true
						}
					}
				}

				httpRequest, _ := httputil.DumpRequest(c.Request, false)
				if brokenPipe {
					logger.Error(c.Request.URL.Path,
						zap.Any("error", err),
						zap.String("request", string(httpRequest)),
					)
					c.Abort()
					return
				}

				fields := []zap.Field{
					zap.Any("error", err),
					zap.String("request", string(httpRequest)),
				}
				if stack {
					fields = append(fields, zap.String("stack", string(debug.Stack())))
				}
				logger.Error("[Recovery from panic]", fields...)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func nz(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
