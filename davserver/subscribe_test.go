package davserver

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// S3 — cold server, four concurrent SUBSCRIBE / with timeout 90 all return
// 204 within a second, consuming the void budget.
func TestSubscribeVoidBudgetBurst(t *testing.T) {
	s, _ := newTestServer(t)

	var wg sync.WaitGroup
	codes := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			req := httptest.NewRequest("SUBSCRIBE", "/", nil)
			req.Header.Set("timeout", "90")
			rr := httptest.NewRecorder()
			s.ServeHTTP(rr, req)
			codes[idx] = rr.Code
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe burst did not complete within 1s")
	}

	for _, c := range codes {
		require.Equal(t, 204, c)
	}
}

// S4 — after the void budget drains, a SUBSCRIBE resolves 207 once the
// watched file changes.
func TestSubscribeResolvesOnWrite(t *testing.T) {
	s, root := newTestServer(t)
	drainVoidBudgetOn(s)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("SUBSCRIBE", "/", nil)
		req.Header.Set("timeout", "5")
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		done <- rr
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, root, "test.txt", "hi")

	select {
	case rr := <-done:
		require.Equal(t, 207, rr.Code)
		require.Contains(t, rr.Body.String(), "<d:href>/test.txt</d:href>")
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not resolve after write")
	}
}

// S5 — meta-touch bumps the sibling meta.json and lists both paths.
func TestSubscribeMetaTouch(t *testing.T) {
	s, root := newTestServer(t)
	s.metaTouch = true
	drainVoidBudgetOn(s)

	writeFile(t, root, "Tampermonkey/sync/a.meta.json", "{}")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("SUBSCRIBE", "/Tampermonkey/sync", nil)
		req.Header.Set("depth", "1")
		req.Header.Set("timeout", "5")
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		done <- rr
	}()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, root, "Tampermonkey/sync/a.user.js", "// x")

	select {
	case rr := <-done:
		require.Equal(t, 207, rr.Code)
		require.Contains(t, rr.Body.String(), "<d:href>/Tampermonkey/sync/a.user.js</d:href>")
		require.Contains(t, rr.Body.String(), "<d:href>/Tampermonkey/sync/a.meta.json</d:href>")
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not resolve after write")
	}
}

// S6 — an unrelated path change never resolves the subscriber; it times out
// empty instead.
func TestSubscribeUnrelatedChangeDoesNotMatch(t *testing.T) {
	s, root := newTestServer(t)
	primeShortClamp(s)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("SUBSCRIBE", "/test", nil)
		req.Header.Set("depth", "1")
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		done <- rr
	}()

	time.Sleep(50 * time.Millisecond)
	writeFile(t, root, "test-not-equal/file", "x")

	select {
	case rr := <-done:
		require.Equal(t, 204, rr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe never resolved")
	}
}

// primeShortClamp drains the void budget with a backdated clock so the next
// real SUBSCRIBE lands in the rate limiter's clamp branch with a short
// effective timeout, instead of waiting out the full 10s window.
func primeShortClamp(s *Server) {
	past := time.Now().Add(-9700 * time.Millisecond)
	for i := 0; i < 4; i++ {
		s.bus.RateLimit(past)
	}
}

// drainVoidBudgetOn issues enough void SUBSCRIBE calls to exhaust the rate
// limiter's cold-start allowance so the next SUBSCRIBE actually waits.
func drainVoidBudgetOn(s *Server) {
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("SUBSCRIBE", "/", nil)
		req.Header.Set("timeout", "90")
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
	}
}
