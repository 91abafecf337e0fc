package xmlbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildEmptyRoot(t *testing.T) {
	entries := []Entry{
		{Href: "/", IsDir: true, ModTime: time.Unix(0, 0)},
	}
	doc, err := Build(entries, 0, false)
	assert.NoError(t, err)

	s := string(doc)
	assert.Contains(t, s, `<d:multistatus xmlns:d="DAV:" xmlns:td="http://dav.tampermonkey.net/ns">`)
	assert.Contains(t, s, "<d:href>/</d:href>")
	assert.Contains(t, s, "<d:collection></d:collection>")
	assert.Contains(t, s, "<d:getcontentlength></d:getcontentlength>")
	assert.NotContains(t, s, "td:cursor")
}

func TestBuildFileEntry(t *testing.T) {
	entries := []Entry{
		{Href: "/test.txt", IsDir: false, Size: 13, ModTime: time.Unix(0, 0)},
	}
	doc, err := Build(entries, 0, false)
	assert.NoError(t, err)

	s := string(doc)
	assert.Contains(t, s, "<d:href>/test.txt</d:href>")
	assert.Contains(t, s, "<d:getcontentlength>13</d:getcontentlength>")
}

func TestBuildWithCursor(t *testing.T) {
	doc, err := Build(nil, 42, true)
	assert.NoError(t, err)

	s := string(doc)
	assert.Contains(t, s, "<td:cursor>42</td:cursor>")
}

func TestBuildIOErrorEntry(t *testing.T) {
	entries := []Entry{
		{Href: "/broken", IsDir: false, Size: -1, ModTime: time.Unix(0, 0)},
	}
	doc, err := Build(entries, 0, false)
	assert.NoError(t, err)
	assert.Contains(t, string(doc), "<d:getcontentlength>-1</d:getcontentlength>")
}
