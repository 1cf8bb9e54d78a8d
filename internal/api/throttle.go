package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
)

const systemActorKey = "system"

// triggerThrottle caps manual snapshot triggers per actor in fixed windows.
// Windows that have ended are dropped when the next one starts, so idle
// actors do not accumulate.
type triggerThrottle struct {
	mu      sync.Mutex
	clock   clock.Clock
	perWin  int
	window  time.Duration
	started time.Time
	counts  map[string]int
}

func newTriggerThrottle(perWindow int, window time.Duration, clk clock.Clock) *triggerThrottle {
	if perWindow <= 0 {
		return nil
	}
	return &triggerThrottle{clock: clk, perWin: perWindow, window: window, counts: map[string]int{}}
}

// take counts one trigger for actor. A positive result is how long the
// actor has to wait instead.
func (t *triggerThrottle) take(actor string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if t.started.IsZero() || now.Sub(t.started) >= t.window {
		t.started = now
		clear(t.counts)
	}
	if t.counts[actor] >= t.perWin {
		return t.started.Add(t.window).Sub(now)
	}
	t.counts[actor]++
	return 0
}

// throttleTriggers rejects a manual trigger with 429 once the actor has used
// up the current window. A malformed actor header is left for the handler
// to reject.
func (s *Server) throttleTriggers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorID(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		key := systemActorKey
		if actor != nil {
			key = strconv.FormatInt(*actor, 10)
		}
		if wait := s.throttle.take(key); wait > 0 {
			corrID := corrIDFrom(r.Context())
			body := ErrorBody{
				Code:              "RATE_LIMITED",
				Message:           "too many snapshot requests",
				CorrID:            corrID,
				Retryable:         true,
				RetryAfterSeconds: toRetrySeconds(wait),
			}
			writeJSON(w, http.StatusTooManyRequests, corrID, body, map[string]string{"Retry-After": formatRetryAfter(wait)})
			return
		}
		next.ServeHTTP(w, r)
	})
}
