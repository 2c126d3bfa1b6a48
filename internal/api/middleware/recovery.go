package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Recoverer перехватывает панику в обработчике, пишет стек в лог и отвечает 500.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.WithFields(log.Fields{
					"component":  "panic_recovery",
					"panic":      fmt.Sprintf("%v", rec),
					"stack":      string(debug.Stack()),
					"request_id": chimw.GetReqID(r.Context()),
					"path":       r.URL.Path,
				}).Error("ПАНИКА в обработчике, восстановлено")
				http.Error(w, `{"error":"внутренняя ошибка"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
