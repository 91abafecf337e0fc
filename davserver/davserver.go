// Package davserver dispatches incoming HTTP requests to the minimal
// WebDAV-flavored verb set the server supports (PROPFIND, GET, PUT, MKCOL,
// DELETE, HEAD, OPTIONS) plus the two custom verbs SUBSCRIBE and EDITOR,
// operating directly on the filesystem beneath a PathMapper root.
package davserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/scriptsync/tmdav/changebus"
	"github.com/scriptsync/tmdav/pathmap"
	"github.com/scriptsync/tmdav/watcher"
)

const methodPropfind = "PROPFIND"
const methodMkcol = "MKCOL"
const methodSubscribe = "SUBSCRIBE"
const methodEditor = "EDITOR"

// Server dispatches WebDAV verb requests against a single directory tree.
type Server struct {
	mapper       *pathmap.Mapper
	bus          *changebus.Core
	watcher      *watcher.Manager
	metaTouch    bool
	openInEditor bool
	logger       *slog.Logger
}

// New returns a Server rooted at mapper, backed by bus for change
// notification and watcher for filesystem watch sessions.
func New(mapper *pathmap.Mapper, bus *changebus.Core, w *watcher.Manager, metaTouch, openInEditor bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mapper:       mapper,
		bus:          bus,
		watcher:      w,
		metaTouch:    metaTouch,
		openInEditor: openInEditor,
		logger:       logger,
	}
}

// ServeHTTP sets the response headers common to every verb, then dispatches
// by method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, post-check=0, pre-check=0")
	w.Header().Set("DAV", "1")

	relative, err := s.mapper.ToRelative(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		s.handleOptions(w, r)
	case methodPropfind:
		s.handlePropfind(w, r, relative)
	case http.MethodGet:
		s.handleGet(w, r, relative)
	case http.MethodHead:
		s.handleHead(w, r, relative)
	case http.MethodPut:
		s.handlePut(w, r, relative)
	case methodMkcol:
		s.handleMkcol(w, r, relative)
	case http.MethodDelete:
		s.handleDelete(w, r, relative)
	case methodSubscribe:
		s.handleSubscribe(w, r, relative)
	case methodEditor:
		s.handleEditor(w, r, relative)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeError maps a typed error to the status code spec.md §7 assigns it.
// Unrecognized errors are treated as Unexpected and answered with 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pathmap.ErrInvalidPath), errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrAlreadyExists):
		writeMethodNotAllowedDoc(w)
	case errors.Is(err, ErrIsDirectory):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeMethodNotAllowedDoc renders the DAV error document MKCOL returns
// when the target already exists.
func writeMethodNotAllowedDoc(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMethodNotAllowed)
	w.Write([]byte(`<?xml version="1.0"?><d:error xmlns:d="DAV:"><d:exception>MethodNotAllowed</d:exception></d:error>`))
}
