package ae

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

const (
	// UpdateInterval is the minimum spacing of unsolicited updates to one peer.
	UpdateInterval = 5 * time.Second
	limiterIdle    = 10 * time.Minute
)

// Limiter spaces out the updates volunteered to each peer. Probes and
// bounces are not limited: they answer something the peer sent.
type Limiter struct {
	mu    sync.Mutex
	every rate.Limit
	peers *cache.Cache
}

func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = UpdateInterval
	}
	return &Limiter{every: rate.Every(interval), peers: cache.New(limiterIdle, limiterIdle)}
}

func (l *Limiter) Allow(peer xorname.XorName) bool {
	return l.AllowAt(peer, time.Now())
}

func (l *Limiter) AllowAt(peer xorname.XorName, now time.Time) bool {
	key := peer.Hex()
	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.peers.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.every, 1)
	}
	l.peers.SetDefault(key, lim)
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
