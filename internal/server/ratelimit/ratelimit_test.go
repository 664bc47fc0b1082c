package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(config *Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(config)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: time.Minute,
	})
	defer limiter.Stop()

	// Should allow requests up to limit
	for i := 0; i < 10; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		if !allowed {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
		if info.Limit != 10 {
			t.Errorf("Expected limit 10, got %d", info.Limit)
		}
		if info.Remaining != 9-i {
			t.Errorf("Expected remaining %d, got %d", 9-i, info.Remaining)
		}
	}

	// 11th request should be denied
	allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
	if allowed {
		t.Error("Expected 11th request to be denied")
	}
	if info.Remaining != 0 {
		t.Errorf("Expected remaining 0, got %d", info.Remaining)
	}
	if d := info.RetryAfter - 6*time.Second; d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("Expected retry after 6s, got %v", info.RetryAfter)
	}
	if d := info.ResetTime.Sub(limiter.now()) - time.Minute; d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("Expected reset in 1m, got %v", info.ResetTime.Sub(limiter.now()))
	}
}

func TestLimiter_Refill(t *testing.T) {
	limiter, clock := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  60,
		DefaultWindow: time.Minute,
		DefaultBurst:  1,
	})
	defer limiter.Stop()

	if ok, _ := limiter.Allow("c", "/runs", "GET"); !ok {
		t.Fatal("Expected first request to be allowed")
	}
	if ok, _ := limiter.Allow("c", "/runs", "GET"); ok {
		t.Fatal("Expected second request to be denied")
	}
	clock.advance(time.Second)
	if ok, _ := limiter.Allow("c", "/runs", "GET"); !ok {
		t.Error("Expected request to be allowed after refill")
	}
}

func TestLimiter_Whitelist(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
	})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		if !allowed {
			t.Errorf("Expected whitelisted request %d to be allowed", i+1)
		}
		if info.Limit != 0 {
			t.Errorf("Expected limit 0 for whitelisted, got %d", info.Limit)
		}
	}
}

func TestLimiter_Blacklist(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		Blacklist:     map[string]bool{"192.168.1.1": true},
	})
	defer limiter.Stop()

	if allowed, _ := limiter.Allow("192.168.1.1", "/runs", "GET"); allowed {
		t.Error("Expected blacklisted request to be denied")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: false})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		if allowed, _ := limiter.Allow("127.0.0.1", "/runs", "POST"); !allowed {
			t.Errorf("Expected request %d to be allowed when disabled", i+1)
		}
	}
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})
	defer limiter.Stop()

	// POST /runs allows a burst of 2
	for i := 0; i < 2; i++ {
		if allowed, info := limiter.Allow("c", "/runs", "POST"); !allowed || info.Limit != 10 {
			t.Errorf("Expected run request %d to be allowed with limit 10, got %v/%d", i+1, allowed, info.Limit)
		}
	}
	if allowed, _ := limiter.Allow("c", "/runs", "POST"); allowed {
		t.Error("Expected 3rd run request to be denied")
	}

	// Lifecycle writes match the /runs/ prefix
	if _, info := limiter.Allow("c", "/runs/abc/abort", "POST"); info.Limit != 100 {
		t.Errorf("Expected lifecycle limit 100, got %d", info.Limit)
	}

	// Reads use the default limit
	if _, info := limiter.Allow("c", "/runs/abc", "GET"); info.Limit != 1000 {
		t.Errorf("Expected default limit 1000, got %d", info.Limit)
	}

	// Health and metrics are unlimited
	for _, path := range []string{"/health", "/metrics"} {
		if allowed, info := limiter.Allow("c", path, "GET"); !allowed || info.Limit != 0 {
			t.Errorf("Expected %s to be unlimited", path)
		}
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
	})
	defer limiter.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0

	// Make 200 concurrent requests (should only allow 100)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := limiter.Allow("127.0.0.1", "/runs", "GET"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 100 {
		t.Errorf("Expected 100 allowed requests, got %d", allowedCount)
	}
}

func TestLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	limiter, clock := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: time.Minute,
		IdleTTL:       time.Minute,
	})
	defer limiter.Stop()

	limiter.Allow("a", "/runs", "GET")
	clock.advance(50 * time.Second)
	limiter.Allow("b", "/runs", "GET")
	clock.advance(20 * time.Second)

	limiter.cleanupBuckets()
	if limiter.Len() != 1 {
		t.Errorf("Expected 1 bucket after cleanup, got %d", limiter.Len())
	}
}

func TestWithDefaultRate(t *testing.T) {
	base := &Config{Enabled: true, DefaultLimit: 1000, DefaultWindow: time.Hour}

	if got := base.WithDefaultRate(0, 5); got != base {
		t.Error("Expected zero rate to keep the config")
	}

	got := base.WithDefaultRate(2, 5)
	if got.DefaultLimit != 120 || got.DefaultWindow != time.Minute || got.DefaultBurst != 5 {
		t.Errorf("Unexpected config %+v", got)
	}
	if base.DefaultLimit != 1000 {
		t.Error("Expected base config to be unchanged")
	}
}

func TestNewLimiter_NilConfig(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
	if !allowed {
		t.Error("Expected request to be allowed with default config")
	}
	if info.Limit != 1000 {
		t.Errorf("Expected default limit 1000, got %d", info.Limit)
	}
}

func TestStop_Idempotent(t *testing.T) {
	limiter := NewLimiter(nil)
	limiter.Stop()
	limiter.Stop()
}
