package middleware

import (
	"net"
	"net/http"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/lead-relay/backend/pkg/utils"
)

// maxLimiterKeys bounds the limiter pool.
const maxLimiterKeys = 10000

// limiterPool keeps one limiter per client in least-recently-used order.
// When full, only the idlest client's limiter is dropped.
type limiterPool struct {
	mu       sync.Mutex
	limiters *orderedmap.OrderedMap[string, *rate.Limiter]
	maxKeys  int
	rps      float64
	burst    int
}

func newLimiterPool(rps float64, burst, maxKeys int) *limiterPool {
	return &limiterPool{
		limiters: orderedmap.New[string, *rate.Limiter](),
		maxKeys:  maxKeys,
		rps:      rps,
		burst:    burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters.Get(key); ok {
		_ = p.limiters.MoveToBack(key)
		return l
	}
	if p.limiters.Len() >= p.maxKeys {
		if oldest := p.limiters.Oldest(); oldest != nil {
			p.limiters.Delete(oldest.Key)
		}
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.limiters.Set(key, l)
	return l
}

// RateLimit rejects clients that exceed rps (with burst) with 429.
// A non-positive rps disables limiting.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}

	pool := newLimiterPool(rps, burst, maxLimiterKeys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.get(clientKey(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				utils.RespondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey uses the remote host; chi's RealIP runs earlier in the chain.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
