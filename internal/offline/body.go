package offline

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
)

// ResponseType mirrors the fetch response types the interceptor cares about.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// buffer is the shared immutable storage behind one or more Body handles.
type buffer struct {
	data []byte
	refs atomic.Int32
}

// Body is one readable handle over an immutable byte buffer. Each handle keeps
// its own read position, so a cloned response can be consumed twice.
type Body struct {
	buf    *buffer
	r      *bytes.Reader
	closed atomic.Bool
}

// NewBody takes ownership of b. The caller must not modify it afterwards.
func NewBody(b []byte) *Body {
	buf := &buffer{data: b}
	buf.refs.Store(1)
	return &Body{buf: buf, r: bytes.NewReader(b)}
}

func (b *Body) Read(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return b.r.Read(p)
}

// Close releases this handle. The buffer is dropped when the last handle is closed.
func (b *Body) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.buf.refs.Add(-1) == 0 {
		b.buf.data = nil
	}
	return nil
}

// Clone returns a new handle positioned at the start of the same bytes.
func (b *Body) Clone() *Body {
	b.buf.refs.Add(1)
	return &Body{buf: b.buf, r: bytes.NewReader(b.buf.data)}
}

// Bytes returns the full underlying content. The slice must not be modified.
func (b *Body) Bytes() []byte {
	return b.buf.data
}

func (b *Body) Len() int {
	return len(b.buf.data)
}

// Refs reports how many open handles share the buffer.
func (b *Body) Refs() int {
	return int(b.buf.refs.Load())
}

// Response is a network or cached response as seen by the interceptor.
type Response struct {
	Status int
	Header http.Header
	Type   ResponseType
	Body   *Body

	StoredAt int64 // unix seconds, zero for network responses
}

// Clone duplicates the response so that it can be returned to the caller
// and written into a store independently.
func (r *Response) Clone() *Response {
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = r.Body.Clone()
	}
	return &out
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// unavailable synthesizes the response returned to subresource requests
// when the network is gone and nothing is cached.
func unavailable() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Type:   TypeBasic,
		Body:   NewBody([]byte("Service Unavailable")),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
