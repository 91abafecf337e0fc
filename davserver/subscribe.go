package davserver

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/scriptsync/tmdav/pathmap"
	"github.com/scriptsync/tmdav/xmlbuilder"
)

const (
	metaSuffix       = ".meta.json"
	userScriptSuffix = ".user.js"
)

// handleSubscribe implements the long-poll SUBSCRIBE verb: it parses the
// subscription, applies the client-compatibility rate limiter, registers a
// waiter with the ChangeBus, ensures a Watcher session covers the path, and
// waits for a match, a timeout, or client disconnect.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, relative string) {
	depth := depthOf(r)

	decision := s.bus.RateLimit(time.Now())
	if decision.ForcePropfind {
		s.handlePropfind(w, r, relative)
		return
	}

	if err := s.watcher.EnsureWatch(relative, depth >= 1); err != nil {
		// A watch that cannot be started stays local to this request: it
		// still waits out its deadline and answers 204 when nothing matches.
		s.logger.Warn("subscribe: failed to start watch", "path", relative, "error", err)
	}

	deadline := decision.Timeout
	remaining := deadline
	start := time.Now()

	for {
		sub := s.bus.Register(relative, depth)
		matched, err := sub.Wait(r.Context(), remaining)
		if err != nil {
			s.bus.Cancel(sub)
			// The client has already disconnected; this status is best-effort
			// only, per spec.md's "no response, 499-class is acceptable."
			w.WriteHeader(499)
			return
		}

		if len(matched) == 0 {
			s.bus.Cancel(sub)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allMetaOnly(matched) {
			remaining = deadline - time.Since(start)
			if remaining <= 0 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			continue
		}

		s.bus.RestoreVoidBudget()
		s.writeSubscribeResult(w, matched)
		return
	}
}

// allMetaOnly reports whether every matched path is a *.meta.json touch,
// which the client does not want to be woken for on its own.
func allMetaOnly(matched map[string]struct{}) bool {
	for p := range matched {
		if !strings.HasSuffix(p, metaSuffix) {
			return false
		}
	}
	return true
}

// writeSubscribeResult applies the optional meta-touch expansion, then
// renders the matched set as a multistatus document.
func (s *Server) writeSubscribeResult(w http.ResponseWriter, matched map[string]struct{}) {
	if s.metaTouch {
		s.applyMetaTouch(matched)
	}

	entries := make([]xmlbuilder.Entry, 0, len(matched))
	for relative := range matched {
		abs := s.mapper.ToAbsolute(relative)
		info, err := os.Stat(abs)
		if err != nil {
			entries = append(entries, xmlbuilder.Entry{Href: pathmap.Href(relative), Size: -1, ModTime: time.Now()})
			continue
		}
		entries = append(entries, entryFor(relative, abs, info))
	}

	doc, err := xmlbuilder.Build(entries, s.bus.Cursor(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(doc)
}

// applyMetaTouch bumps the mtime of a/b.meta.json for every matched
// a/b.user.js, and adds the meta path to the result set when it exists.
func (s *Server) applyMetaTouch(matched map[string]struct{}) {
	var metaPaths []string
	for relative := range matched {
		if !strings.HasSuffix(relative, userScriptSuffix) {
			continue
		}
		metaRelative := strings.TrimSuffix(relative, userScriptSuffix) + metaSuffix
		metaAbs := s.mapper.ToAbsolute(metaRelative)
		if _, err := os.Stat(metaAbs); err != nil {
			continue
		}
		now := time.Now()
		os.Chtimes(metaAbs, now, now)
		metaPaths = append(metaPaths, metaRelative)
	}
	for _, p := range metaPaths {
		matched[p] = struct{}{}
	}
}
