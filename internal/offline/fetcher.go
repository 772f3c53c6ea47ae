package offline

import "context"

// Fetcher performs network requests on behalf of the worker. An error means
// the request never produced a response (connection refused, DNS, offline);
// any HTTP status, including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
