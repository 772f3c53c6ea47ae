package offline

import (
	"io"
	"net/http"
	"strings"
)

// Mode is the fetch mode of a request.
type Mode string

const (
	ModeNavigate Mode = "navigate"
	ModeNoCORS   Mode = "no-cors"
	ModeCORS     Mode = "cors"
	ModeSameOrig Mode = "same-origin"
)

// Request is the identity and metadata of one intercepted request.
type Request struct {
	Method string
	// URL is the origin-relative request URI (path plus query).
	URL    string
	// Host is the host the client addressed, empty for internal requests.
	Host   string
	Mode   Mode
	Header http.Header
	Body   io.Reader
}

// Key is the request identity used by cache stores.
func (r *Request) Key() string {
	return RequestKey(r.Method, r.URL)
}

// RequestKey builds a store key from a method and URL.
func RequestKey(method, url string) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + url
}

// Path returns the URL without its query string.
func (r *Request) Path() string {
	p := r.URL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return p
}

// FromHTTP converts an incoming server request. The navigation mode comes from
// the Sec-Fetch-Mode header when the client sends it; otherwise a GET asking
// for HTML is treated as a navigation.
func FromHTTP(r *http.Request) *Request {
	mode := Mode(strings.ToLower(r.Header.Get("Sec-Fetch-Mode")))
	if mode == "" {
		mode = ModeNoCORS
		if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
			mode = ModeNavigate
		}
	}
	return &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Host:   r.Host,
		Mode:   mode,
		Header: r.Header,
		Body:   r.Body,
	}
}
