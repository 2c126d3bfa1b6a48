package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"serotonyl.ru/wellness-ledger/internal/api/middleware"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := middleware.NewRateLimiter(2, time.Minute)
	defer rl.Close()

	assert.True(t, rl.Allow("1"))
	assert.True(t, rl.Allow("1"))
	assert.False(t, rl.Allow("1"))
	assert.True(t, rl.Allow("2"), "у другого ключа свой лимит")
}

func TestRateLimiter_Handler(t *testing.T) {
	rl := middleware.NewRateLimiter(1, time.Minute)
	defer rl.Close()

	h := rl.Handler(func(r *http.Request) string { return r.Header.Get("X-User-ID") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("7"))
	assert.Equal(t, http.StatusTooManyRequests, do("7"))
	assert.Equal(t, http.StatusOK, do(""), "запросы без ключа не лимитируются")
	assert.Equal(t, http.StatusOK, do(""))
}

func TestRecoverer(t *testing.T) {
	h := middleware.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
