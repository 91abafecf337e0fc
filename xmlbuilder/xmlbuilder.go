// Package xmlbuilder formats the WebDAV multistatus document returned by
// PROPFIND, MKCOL, and SUBSCRIBE-with-changes responses. Unlike a general
// WebDAV server, this document always carries the same fixed property set
// (resourcetype, getcontentlength, getlastmodified), so the builder has no
// generic property bag — it only needs to know, per entry, whether it is a
// directory and what its size/mtime are.
package xmlbuilder

import (
	"encoding/xml"
	"strconv"
	"time"
)

const (
	davNS = "DAV:"
	tmNS  = "http://dav.tampermonkey.net/ns"
)

// Entry describes one file or directory to render as a <d:response>.
type Entry struct {
	// Href is the entry's root-relative URL path, already in the
	// leading-slash POSIX form pathmap.Href produces.
	Href string
	// IsDir marks the entry as a collection.
	IsDir bool
	// Size is the file's length in bytes. Callers pass -1 when stat
	// failed, per the spec's IOError handling.
	Size int64
	// ModTime is rendered as an ISO-8601 UTC timestamp.
	ModTime time.Time
}

type resourceType struct {
	Collection *struct{} `xml:"d:collection,omitempty"`
}

type propValues struct {
	ResourceType    resourceType `xml:"d:resourcetype"`
	ContentLength   string       `xml:"d:getcontentlength"`
	LastModifiedUTC string       `xml:"d:getlastmodified"`
}

type propStat struct {
	Prop   propValues `xml:"d:prop"`
	Status string     `xml:"d:status"`
}

type response struct {
	XMLName  xml.Name `xml:"d:response"`
	Href     string   `xml:"d:href"`
	PropStat propStat `xml:"d:propstat"`
}

type multiStatus struct {
	XMLName  xml.Name   `xml:"d:multistatus"`
	DAVNS    string     `xml:"xmlns:d,attr"`
	TDNS     string     `xml:"xmlns:td,attr"`
	Response []response `xml:"d:response"`
	Cursor   *int64     `xml:"td:cursor,omitempty"`
}

// Build renders the multistatus document for entries. cursor is rendered as
// a <td:cursor> element iff hasCursor is true — the zero value 0 is a
// meaningful cursor, so presence can't be inferred from the value alone.
func Build(entries []Entry, cursor int64, hasCursor bool) ([]byte, error) {
	doc := multiStatus{
		DAVNS: davNS,
		TDNS:  tmNS,
	}
	for _, e := range entries {
		doc.Response = append(doc.Response, toResponse(e))
	}
	if hasCursor {
		c := cursor
		doc.Cursor = &c
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(xml.Header)+len(body))
	out = append(out, []byte(xml.Header)...)
	out = append(out, body...)
	return out, nil
}

func toResponse(e Entry) response {
	r := response{
		Href: e.Href,
		PropStat: propStat{
			Status: "HTTP/1.1 200 OK",
			Prop: propValues{
				LastModifiedUTC: e.ModTime.UTC().Format(http1123Like),
			},
		},
	}
	if e.IsDir {
		r.PropStat.Prop.ResourceType.Collection = &struct{}{}
		r.PropStat.Prop.ContentLength = ""
	} else {
		r.PropStat.Prop.ContentLength = strconv.FormatInt(e.Size, 10)
	}
	return r
}

// http1123Like renders an ISO-8601 UTC timestamp, e.g. 2024-01-02T15:04:05Z.
const http1123Like = "2006-01-02T15:04:05Z"
