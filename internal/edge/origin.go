package edge

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"gomobi-edge/internal/offline"
)

// hopHeaders are not forwarded to the origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// originFetcher is the network for the worker: every request goes to the
// configured Go Mobi backend.
type originFetcher struct {
	origin string
	client *http.Client
}

func newOriginFetcher(origin string, timeout time.Duration) *originFetcher {
	return &originFetcher{
		origin: origin,
		client: &http.Client{
			Timeout: timeout,
			// Redirects belong to the browser, e.g. after a login POST.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *originFetcher) Fetch(ctx context.Context, r *offline.Request) (*offline.Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, method, f.origin+r.URL, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	h := resp.Header.Clone()
	h.Del("Content-Length")
	return &offline.Response{
		Status: resp.StatusCode,
		Header: h,
		// Everything comes from the one configured origin.
		Type: offline.TypeBasic,
		Body: offline.NewBody(b),
	}, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, k) {
			return true
		}
	}
	return false
}
