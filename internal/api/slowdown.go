package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxTrackedClients bounds the number of client windows held in memory.
const maxTrackedClients = 10000

type hitWindow struct {
	start time.Time
	count int
}

// SlowDown delays clients that exceed delayAfter requests in a fixed window.
// The n-th request in a window waits (n - delayAfter) * delay. It never
// rejects a request.
type SlowDown struct {
	window     time.Duration
	delayAfter int
	delay      time.Duration

	mu      sync.Mutex
	hits    *expirable.LRU[string, *hitWindow]
	now     func() time.Time
	onDelay func(time.Duration)
	logger  *slog.Logger
	trusted TrustedProxies
}

// SlowDownOption configures a SlowDown.
type SlowDownOption func(*SlowDown)

// WithSlowDownClock replaces the time source used to roll windows.
func WithSlowDownClock(now func() time.Time) SlowDownOption {
	return func(s *SlowDown) { s.now = now }
}

// WithOnDelay registers a callback invoked for every delayed request.
func WithOnDelay(fn func(time.Duration)) SlowDownOption {
	return func(s *SlowDown) { s.onDelay = fn }
}

// WithSlowDownLogger sets the logger for delayed requests.
func WithSlowDownLogger(l *slog.Logger) SlowDownOption {
	return func(s *SlowDown) { s.logger = l }
}

// WithTrustedProxies lets the listed peers name the client through
// forwarding headers. Without it every client is keyed by its peer address.
func WithTrustedProxies(t TrustedProxies) SlowDownOption {
	return func(s *SlowDown) { s.trusted = t }
}

// NewSlowDown creates a limiter. delayAfter == 0 disables delays.
func NewSlowDown(window time.Duration, delayAfter int, delay time.Duration, opts ...SlowDownOption) *SlowDown {
	s := &SlowDown{
		window:     window,
		delayAfter: delayAfter,
		delay:      delay,
		hits:       expirable.NewLRU[string, *hitWindow](maxTrackedClients, nil, window),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit counts a request from client and returns how long it must wait.
func (s *SlowDown) Hit(client string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.hits.Get(client)
	if !ok || now.Sub(w.start) >= s.window {
		w = &hitWindow{start: now}
		s.hits.Add(client, w)
	}
	w.count++

	if s.delayAfter <= 0 || w.count <= s.delayAfter {
		return 0
	}
	return time.Duration(w.count-s.delayAfter) * s.delay
}

// Middleware applies the delay before passing the request on. A client that
// disconnects while waiting is dropped without reaching next.
func (s *SlowDown) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIP(r, s.trusted)
		d := s.Hit(client)
		if d > 0 {
			if s.onDelay != nil {
				s.onDelay(d)
			}
			s.logger.Debug("slowing client", slog.String("client", client), slog.Duration("delay", d))
			w.Header().Set("X-SlowDown-Delay", strconv.FormatInt(d.Milliseconds(), 10))
			if err := wait(r.Context(), d); err != nil {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
