package davserver

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/scriptsync/tmdav/pathmap"
	"github.com/scriptsync/tmdav/xmlbuilder"
)

const corsAllowMethods = "GET,HEAD,OPTIONS,PUT,PROPFIND,MKCOL,DELETE,SUBSCRIBE,EDITOR"
const corsAllowHeaders = "Authorization, Content-Type, Depth, Timeout, Cursor, X-OC-Mtime"

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
	w.WriteHeader(http.StatusOK)
}

// handlePropfind implements PROPFIND: depth 0 stats the target only,
// anything else walks the subtree. Entries whose stat fails still appear,
// with size -1 and mtime now, per spec.md's IOError handling.
func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request, relative string) {
	abs := s.mapper.ToAbsolute(relative)
	info, err := os.Stat(abs)
	if err != nil {
		writeError(w, ErrNotFound)
		return
	}

	depth := depthOf(r)
	entries := []xmlbuilder.Entry{entryFor(relative, abs, info)}
	if depth != 0 && info.IsDir() {
		entries = append(entries, s.walkChildren(abs, relative)...)
	}

	s.writePropfindResponse(w, relative, entries)
}

func (s *Server) writePropfindResponse(w http.ResponseWriter, relative string, entries []xmlbuilder.Entry) {
	hasCursor := s.watcher.HasSession(relative)
	var cursor int64
	if hasCursor && s.bus != nil {
		cursor = s.bus.Cursor()
	}
	doc, err := xmlbuilder.Build(entries, cursor, hasCursor)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(doc)
}

// walkChildren enumerates every descendant of abs (relative to base) for a
// recursive PROPFIND. Paths WalkDir reports an error for are skipped; an
// entry whose d.Info() fails is still listed with size -1 and mtime now.
func (s *Server) walkChildren(abs, relBase string) []xmlbuilder.Entry {
	var out []xmlbuilder.Entry
	filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == abs {
			return nil
		}
		info, statErr := d.Info()
		rel, relErr := s.mapper.ToRelativeFromAbsolute(path)
		if relErr != nil {
			return nil
		}
		if statErr != nil {
			out = append(out, xmlbuilder.Entry{Href: pathmap.Href(rel), Size: -1, ModTime: time.Now()})
			return nil
		}
		out = append(out, entryFor(rel, path, info))
		return nil
	})
	return out
}

func entryFor(relative, abs string, info os.FileInfo) xmlbuilder.Entry {
	return xmlbuilder.Entry{
		Href:    pathmap.Href(relative),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

// depthOf parses the "depth" header: absent or "0" yields 0 (self only), a
// decimal number yields that number, and any other value yields 1
// (recursive). PROPFIND and SUBSCRIBE both use it, so both treat an absent
// header as 0.
func depthOf(r *http.Request) int {
	v := r.Header.Get("depth")
	if v == "" || v == "0" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return 1
}

// handleGet streams the file body as application/octet-stream.
func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request, relative string) {
	abs := s.mapper.ToAbsolute(relative)
	info, err := os.Stat(abs)
	if err != nil {
		writeError(w, ErrNotFound)
		return
	}
	if info.IsDir() {
		writeError(w, ErrIsDirectory)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	if s.bus != nil {
		s.bus.TouchVoidBudget()
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

// handleHead reports a target's Content-Type and Content-Length without a
// body. Unlike GET, it answers 200 for a directory too.
func (s *Server) handleHead(w http.ResponseWriter, _ *http.Request, relative string) {
	abs := s.mapper.ToAbsolute(relative)
	info, err := os.Stat(abs)
	if err != nil {
		writeError(w, ErrNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
}

// handlePut creates or truncates the target and writes the request body.
// An X-OC-Mtime header, when present, stamps the file's mtime/atime and is
// echoed back as "accepted".
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, relative string) {
	abs := s.mapper.ToAbsolute(relative)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		writeError(w, err)
		return
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		writeError(w, err)
		return
	}
	_, copyErr := io.Copy(f, r.Body)
	closeErr := f.Close()
	if copyErr != nil {
		writeError(w, copyErr)
		return
	}
	if closeErr != nil {
		writeError(w, closeErr)
		return
	}

	if mtimeHeader := r.Header.Get("X-OC-Mtime"); mtimeHeader != "" {
		if secs, parseErr := strconv.ParseFloat(mtimeHeader, 64); parseErr == nil {
			mtime := time.Unix(0, int64(secs*float64(time.Second)))
			if chErr := os.Chtimes(abs, mtime, mtime); chErr == nil {
				w.Header().Set("X-OC-Mtime", "accepted")
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleMkcol creates a directory. On success it responds with the same
// PROPFIND response the path would now produce; if the target already
// exists, it responds 405 with the standard DAV error document.
func (s *Server) handleMkcol(w http.ResponseWriter, _ *http.Request, relative string) {
	abs := s.mapper.ToAbsolute(relative)

	if _, err := os.Stat(abs); err == nil {
		writeError(w, ErrAlreadyExists)
		return
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		writeError(w, err)
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		writeError(w, ErrNotFound)
		return
	}
	s.writePropfindResponse(w, relative, []xmlbuilder.Entry{entryFor(relative, abs, info)})
}

// handleDelete removes the target, recursively if it is a directory.
func (s *Server) handleDelete(w http.ResponseWriter, _ *http.Request, relative string) {
	abs := s.mapper.ToAbsolute(relative)

	if _, err := os.Stat(abs); err != nil {
		writeError(w, ErrNotFound)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEditor responds 404 unless open-in-editor is enabled, and otherwise
// 302 and nothing more: opening the file in an external editor is a
// host-environment concern outside this server.
func (s *Server) handleEditor(w http.ResponseWriter, r *http.Request, relative string) {
	if !s.openInEditor {
		http.Error(w, "editor integration disabled", http.StatusNotFound)
		return
	}
	http.Redirect(w, r, "/"+strings.TrimPrefix(relative, "./"), http.StatusFound)
}
