// Package middleware содержит промежуточные обработчики HTTP: логирование,
// восстановление после паники и ограничение частоты запросов.
package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Logger логирует каждый запрос: метод, путь, статус, длительность, request id.
// Ответы 5xx пишутся уровнем Warn, остальные Debug.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		entry := log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
			"user_id":     r.Header.Get("X-User-ID"),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP-запрос")
			return
		}
		entry.Debug("HTTP-запрос")
	})
}
