// Package changebus implements the process-wide change-notification
// aggregator: it collects relative-path change events from one or more
// Watcher sessions, debounces them into batches, matches each batch against
// currently-waiting SUBSCRIBE requests by path and depth, and resolves
// exactly one of those requests' pending responses per match.
//
// All shared state lives on a *Core value passed to handlers; there is no
// package-level mutable state.
package changebus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/scriptsync/tmdav/skiplist"
)

const (
	// DebounceWindow is how long Post waits for quiet before flushing a
	// batch of changes to waiting subscribers.
	DebounceWindow = 500 * time.Millisecond

	// initialVoidBudget is the number of consecutive SUBSCRIBE requests,
	// from a cold start, that are treated as void (returned immediately)
	// rather than held open.
	initialVoidBudget = 4

	// idleRecoveryGap is the quiet period after which a SUBSCRIBE is
	// treated as a disguised PROPFIND, recovering the client from a long
	// idle period.
	idleRecoveryGap = 11 * time.Second

	// rateLimitWindow bounds the clamp applied to timeoutSeconds once the
	// void budget is exhausted and the client has not gone idle.
	rateLimitWindow = 10 * time.Second
)

// ErrCancelled is returned to a waiter whose request context was cancelled
// before a match or timeout occurred.
var ErrCancelled = errors.New("changebus: subscription cancelled")

// Subscription is a single pending SUBSCRIBE request waiting on ChangeBus to
// either match it against a change or for its caller to give up.
type Subscription struct {
	id    string
	path  string // root-relative; "." means the tree root
	depth int    // 0 = self only, >=1 = recursive

	// resolved delivers the matched set exactly once. It is buffered so
	// flush never blocks on a slow or abandoned reader.
	resolved chan map[string]struct{}
}

// Wait blocks until the subscription is resolved by a matching change, the
// supplied deadline elapses, or ctx is cancelled. On resolution it returns
// the matched set; when the deadline elapses first it returns a nil map and
// a nil error; when ctx is done first it returns ErrCancelled.
func (s *Subscription) Wait(ctx context.Context, deadline time.Duration) (map[string]struct{}, error) {
	var timer *time.Timer
	var timerC <-chan time.Time
	if deadline > 0 {
		timer = time.NewTimer(deadline)
		defer timer.Stop()
		timerC = timer.C
	} else {
		// A zero or negative deadline fires immediately: this is how the
		// void-budget rate limiter forces an instant 204.
		immediate := make(chan time.Time, 1)
		immediate <- time.Now()
		timerC = immediate
	}

	select {
	case matched := <-s.resolved:
		return matched, nil
	case <-timerC:
		return nil, nil
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// Core holds every piece of process-wide state the change-notification
// system needs: the pending-changes set, the registry of waiting
// subscriptions, the debounce timer, and the client-compatibility rate
// limiter counters. A single mutex guards the change set, debounce timer,
// id counter, rate-limiter counters and cursor, per the concurrency model's
// deliberate simplification over the teacher's per-node locking. The
// subscriber registry is a concurrent skiplist: Register takes the mutex
// only to allocate an id, and Cancel does not take it.
type Core struct {
	logger *slog.Logger

	mu            sync.Mutex
	changes       map[string]struct{}
	subscribers   skiplist.DBIndex[string, *Subscription]
	debounceTimer *time.Timer
	nextID        uint64

	voidBudget      int
	lastSubscribeAt time.Time
	cursor          int64
}

// New returns an empty Core ready to accept Posts and Registrations.
func New(logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		logger:      logger,
		changes:     make(map[string]struct{}),
		subscribers: skiplist.NewSkipList[string, *Subscription](),
		voidBudget:  initialVoidBudget,
	}
}

// Post records a change to a root-relative path and arms (or re-arms) the
// debounce timer. Posts arriving within DebounceWindow of the previous one
// are coalesced into a single flush.
func (c *Core) Post(relative string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.changes[relative] = struct{}{}

	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(DebounceWindow, c.flush)
}

// Register creates and stores a new Subscription for (path, depth) and
// returns it. The caller must eventually call Cancel if Wait returns
// without having consumed a resolution, so the registry does not leak
// abandoned entries.
func (c *Core) Register(path string, depth int) *Subscription {
	c.mu.Lock()
	id := c.newID()
	c.mu.Unlock()

	s := &Subscription{
		id:       id,
		path:     path,
		depth:    depth,
		resolved: make(chan map[string]struct{}, 1),
	}

	if _, err := c.subscribers.Upsert(id, func(_ string, cur *Subscription, exists bool) (*Subscription, error) {
		if exists {
			return cur, errors.New("changebus: duplicate subscription id")
		}
		return s, nil
	}); err != nil {
		c.logger.Error("changebus: failed to register subscription", "error", err)
	}
	return s
}

// Cancel removes s from the registry without resolving it. It is safe to
// call even if s has already been resolved or removed by flush.
func (c *Core) Cancel(s *Subscription) {
	c.subscribers.Remove(s.id)
}

// flush runs when the debounce timer fires: every currently-waiting
// subscription is matched against the accumulated change set, resolved if
// matched, and removed; the change set is then cleared atomically with
// those resolutions.
func (c *Core) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.changes) == 0 {
		return
	}

	all, err := c.subscribers.Query(context.Background(), "", "")
	if err != nil {
		c.logger.Error("changebus: failed to enumerate subscribers", "error", err)
		return
	}

	c.cursor++

	for _, s := range all {
		matched := matchSet(s, c.changes)
		if len(matched) == 0 {
			continue
		}
		select {
		case s.resolved <- matched:
		default:
			// Already resolved or abandoned; nothing to deliver.
		}
		c.subscribers.Remove(s.id)
	}

	c.changes = make(map[string]struct{})
}

// Cursor returns the current opaque ordering token: it advances once per
// flush and is echoed in XmlBuilder documents purely for client display.
func (c *Core) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// matchSet returns the subset of changes that matches s, per spec.md
// §4.4's path/depth predicate: the root subscription ("." ) matches
// everything; otherwise an exact match always qualifies, and a descendant
// qualifies only when depth >= 1.
func matchSet(s *Subscription, changes map[string]struct{}) map[string]struct{} {
	var out map[string]struct{}
	for c := range changes {
		if matches(s, c) {
			if out == nil {
				out = make(map[string]struct{})
			}
			out[c] = struct{}{}
		}
	}
	return out
}

func matches(s *Subscription, changed string) bool {
	if s.path == "." {
		return true
	}
	if changed == s.path {
		return true
	}
	if s.depth >= 1 && len(changed) > len(s.path) && changed[:len(s.path)] == s.path && changed[len(s.path)] == '/' {
		return true
	}
	return false
}

func (c *Core) newID() string {
	c.nextID++
	return formatID(c.nextID)
}

func formatID(n uint64) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{hex[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}

// RateLimitDecision carries the outcome of the client-compatibility rate
// limiter described in spec.md §4.5.
type RateLimitDecision struct {
	// ForcePropfind is true when the gap since the last SUBSCRIBE was
	// long enough that this request should be served as a plain PROPFIND
	// instead of being held open.
	ForcePropfind bool
	// Timeout is the effective wait duration to use in place of the
	// request's requested timeout. It is always set when ForcePropfind
	// is false.
	Timeout time.Duration
}

// RestoreVoidBudget resets the void budget to its initial value. Called
// after a SUBSCRIBE resolves with a non-empty result: a real change is
// evidence the long-poll is doing useful work, so the rate limiter backs
// off for the next few requests.
func (c *Core) RestoreVoidBudget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voidBudget = initialVoidBudget
}

// TouchVoidBudget resets the void budget to its initial value after a GET: a
// real content fetch is evidence the client is alive, not mid-storm. Budget
// never falls outside [0, initialVoidBudget], so this is always a full reset
// rather than a partial nudge.
func (c *Core) TouchVoidBudget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voidBudget = initialVoidBudget
}

// RateLimit applies the void-budget / idle-recovery / clamp policy that
// accommodates the client's habit of firing several near-simultaneous
// SUBSCRIBE requests on every PROPFIND/GET burst. now is injected so tests
// can exercise the gap-dependent branches deterministically. Per spec.md
// §4.5, the effective timeout is always derived from the void budget and the
// gap since the previous call; the client's requested timeout is never a
// factor.
func (c *Core) RateLimit(now time.Time) RateLimitDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	// lastSubscribeAt is always set by the time the void budget runs out
	// (that takes initialVoidBudget prior calls), so gap is only ever
	// computed against a real previous timestamp.
	gap := now.Sub(c.lastSubscribeAt)
	c.lastSubscribeAt = now

	if c.voidBudget > 0 {
		c.voidBudget--
		return RateLimitDecision{Timeout: 0}
	}
	if gap >= idleRecoveryGap {
		return RateLimitDecision{ForcePropfind: true}
	}

	clamped := rateLimitWindow - gap
	if clamped < 0 {
		clamped = 0
	}
	if clamped > rateLimitWindow {
		clamped = rateLimitWindow
	}
	return RateLimitDecision{Timeout: clamped}
}
