// Package pagination extracts page parameters from search and history
// requests and renders the bundle navigation links for a result page.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 50
	MaxCount     = 1000
)

// Params holds the page window of one request. Pages are 1-based.
type Params struct {
	Count int
	Page  int
}

// FromContext extracts _count and _page from the request, clamping to the
// defaults and the upper bound.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	page, _ := strconv.Atoi(c.QueryParam("_page"))
	if page < 1 {
		page = 1
	}

	return Params{Count: count, Page: page}
}

// Offset returns the row offset of the window.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Count
}

// HasNext reports whether a further page exists. got is the number of rows
// on the current page; total is the reported total, or -1 when counting was
// skipped, in which case a full page implies a possible next one.
func (p Params) HasNext(got, total int) bool {
	if total >= 0 {
		return p.Offset()+got < total
	}
	return got == p.Count
}

// Link is one bundle navigation entry.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links renders self plus next/previous navigation for the page, keeping
// every non-paging query parameter of the original request.
func (p Params) Links(basePath string, query url.Values, got, total int) []Link {
	links := []Link{{Relation: "self", URL: p.pageURL(basePath, query, p.Page)}}
	if p.HasNext(got, total) {
		links = append(links, Link{Relation: "next", URL: p.pageURL(basePath, query, p.Page+1)})
	}
	if p.Page > 1 {
		links = append(links, Link{Relation: "previous", URL: p.pageURL(basePath, query, p.Page-1)})
	}
	return links
}

func (p Params) pageURL(basePath string, query url.Values, page int) string {
	q := url.Values{}
	for k, vs := range query {
		if k == "_count" || k == "_page" {
			continue
		}
		q[k] = vs
	}
	q.Set("_count", strconv.Itoa(p.Count))
	q.Set("_page", strconv.Itoa(page))
	return fmt.Sprintf("%s?%s", basePath, q.Encode())
}
