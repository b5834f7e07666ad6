package middleware

import (
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// Throttle rejects requests beyond rps (with the given burst) with 429. It
// guards the mutating admin routes, so one bucket is shared by all callers.
// A non-positive rps disables throttling.
func Throttle(rps float64, burst int, reject func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reservation := limiter.Reserve()
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				seconds := int(delay.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				if reject != nil {
					reject(w, r)
					return
				}
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
