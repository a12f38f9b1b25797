package routes

import (
	"math"
	"net/http"
	"strconv"

	"fileforge/logger"
	"fileforge/ratelimit"
)

// admit rejects requests over the per-client quota of bucket with 429.
// Buckets are counted separately, so polling never eats the conversion quota.
func (s *Server) admit(bucket string, quota int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.global != nil && !s.global.Allow() {
				s.countAdmission("global", false)
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody("server is busy, retry shortly", "rate_limited", ""))
				return
			}

			identity := ratelimit.ClientIdentity(r)
			d := s.opts.Limiter.Check(bucket+":"+identity, quota, s.opts.Limits.Window)
			s.countAdmission(bucket, d.Allowed)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(quota))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retry := int(math.Ceil(d.ResetAt.Sub(s.now()).Seconds()))
				h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
				logger.Debugf("Rate limited %s on %s bucket", identity, bucket)
				writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded", "rate_limited", ""))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) countAdmission(bucket string, allowed bool) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.Admission(bucket, allowed)
	}
}
