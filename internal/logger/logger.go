package logger

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/iurnickita/artistledger/internal/logger/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	zapcfg.EncoderConfig.TimeKey = "timestamp"
	zapcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zl, err := zapcfg.Build()
	if err != nil {
		return nil, err
	}
	return zl, nil
}

// middleware-логер для входящих HTTP-запросов.
// Тело запроса не пишется: через вебхуки приходят данные платежного аккаунта
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zaplog.Info("got incoming HTTP request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Int64("content_length", r.ContentLength),
		)

		wl := NewResponseWriterLogger(w)

		handlerStart := time.Now()
		h(wl, r)
		handlerDuration := time.Since(handlerStart)

		zaplog.Info("send HTTP response",
			zap.String("code", strconv.Itoa(wl.statusCode)),
			zap.String("length", strconv.Itoa(wl.length)),
			zap.String("duration", handlerDuration.String()),
		)
	})
}

// ReadBody читает тело запроса и возвращает его обратно в запрос
func ReadBody(r *http.Request) ([]byte, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close() //  must close
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return bodyBytes, nil
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{w, http.StatusOK, 0}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}
