package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// IdempotencyHeader is the standard HTTP header for idempotency keys.
	IdempotencyHeader = "Idempotency-Key"

	idempotencyCacheTTL = 24 * time.Hour
	lockTimeout         = 10 * time.Second
	redisKeyPrefix      = "payroll:idempotency:"
	lockKeyPrefix       = "payroll:lock:"
)

type idempotencyWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *idempotencyWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *idempotencyWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Idempotency caches successful responses in redis keyed by the
// Idempotency-Key header, so a retried batch creation or execution replays
// the original response instead of re-running the operation. Requests
// without the header pass through untouched.
func Idempotency(rdb *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			cacheKey := redisKeyPrefix + key
			lockKey := lockKeyPrefix + key

			cached, err := rdb.Get(ctx, cacheKey).Result()
			if err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				_, _ = w.Write([]byte(cached))
				return
			}

			acquired, err := rdb.SetNX(ctx, lockKey, "processing", lockTimeout).Result()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "idempotency_unavailable", "")
				return
			}
			if !acquired {
				writeJSON(w, http.StatusConflict, map[string]string{
					"error":   "conflict",
					"message": "a request with this idempotency key is currently being processed",
				})
				return
			}
			defer func() {
				_ = rdb.Del(ctx, lockKey).Err()
			}()

			wrapper := &idempotencyWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			// Cache successful responses only.
			if wrapper.statusCode >= 200 && wrapper.statusCode < 300 {
				_ = rdb.Set(ctx, cacheKey, wrapper.body.String(), idempotencyCacheTTL).Err()
			}
		})
	}
}
