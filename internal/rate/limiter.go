package rate

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter throttles payment attempts per lightning address.
type Limiter struct {
	keys map[string]*rate.Limiter
	mu   *sync.RWMutex
	r    rate.Limit
	b    int
}

var addressLimiter *Limiter
var globalLimiter *rate.Limiter

// Start creates both the per-address and global rate limiters.
func Start() {
	addressLimiter = newKeyRateLimiter(rate.Limit(0.5), 3)
	globalLimiter = rate.NewLimiter(rate.Limit(5), 5)
}

func newKeyRateLimiter(r rate.Limit, b int) *Limiter {
	return &Limiter{
		keys: make(map[string]*rate.Limiter),
		mu:   &sync.RWMutex{},
		r:    r,
		b:    b,
	}
}

// CheckLimit blocks until an attempt for the given address is allowed.
// A nil limiter (Start not called) imposes no limit.
func CheckLimit(ctx context.Context, address string) error {
	if globalLimiter == nil {
		return nil
	}
	if err := globalLimiter.Wait(ctx); err != nil {
		return err
	}
	if len(address) > 0 {
		return addressLimiter.GetLimiter(address).Wait(ctx)
	}
	return nil
}

// Add creates a new rate limiter and adds it to the keys map,
// using the key
func (i *Limiter) Add(key string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter := rate.NewLimiter(i.r, i.b)

	i.keys[key] = limiter

	return limiter
}

// GetLimiter returns the rate limiter for the provided key if it exists.
// Otherwise, calls Add to add key address to the map
func (i *Limiter) GetLimiter(key string) *rate.Limiter {
	i.mu.Lock()
	limiter, exists := i.keys[key]

	if !exists {
		i.mu.Unlock()
		return i.Add(key)
	}

	i.mu.Unlock()

	return limiter
}
