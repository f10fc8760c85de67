package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	httpBufferSize = 64 * 1024
	defaultTimeout = 10 * time.Second
)

// HTTPOption configures an HTTP source.
type HTTPOption func(*HTTP)

// WithClient sets the client used for every request.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithContext bounds every request by ctx.
func WithContext(ctx context.Context) HTTPOption {
	return func(h *HTTP) { h.ctx = ctx }
}

// HTTP reads a remote file through ranged GETs. A seek within the buffered
// window is served by discarding; any other seek reopens the body at the
// new offset on the next Read.
type HTTP struct {
	url    string
	client *http.Client
	ctx    context.Context

	offset int64
	size   int64
	body   io.ReadCloser
	buf    *bufio.Reader
}

var _ Source = (*HTTP)(nil)

// NewHTTP creates a source and probes the size with a HEAD request.
func NewHTTP(url string, opts ...HTTPOption) (*HTTP, error) {
	h := &HTTP{
		url:    url,
		client: http.DefaultClient,
		ctx:    context.Background(),
		size:   -1,
	}
	for _, o := range opts {
		o(h)
	}

	ctx, cancel := context.WithTimeout(h.ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("source: head request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: head %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("source: head %s: %s", url, resp.Status)
	}
	h.size = resp.ContentLength
	return h, nil
}

// Size returns the length reported by the server, or -1.
func (h *HTTP) Size() int64 { return h.size }

func (h *HTTP) open() error {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("source: request: %w", err)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(h.offset, 10)+"-")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("source: get %s: %w", h.url, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total := contentRangeTotal(resp.Header.Get("Content-Range")); total >= 0 {
			h.size = total
		}
	case http.StatusOK:
		// The server ignored Range; skip up to the offset.
		if _, err := io.CopyN(io.Discard, resp.Body, h.offset); err != nil {
			resp.Body.Close()
			return fmt.Errorf("source: skip to %d: %w", h.offset, err)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return io.EOF
	default:
		resp.Body.Close()
		return fmt.Errorf("source: get %s: %s", h.url, resp.Status)
	}

	h.body = resp.Body
	if h.buf == nil {
		h.buf = bufio.NewReaderSize(resp.Body, httpBufferSize)
	} else {
		h.buf.Reset(resp.Body)
	}
	return nil
}

// contentRangeTotal parses the total from "bytes a-b/total".
func contentRangeTotal(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (h *HTTP) Read(p []byte) (int, error) {
	if h.size >= 0 && h.offset >= h.size {
		return 0, io.EOF
	}
	if h.body == nil {
		if err := h.open(); err != nil {
			return 0, err
		}
	}
	n, err := h.buf.Read(p)
	h.offset += int64(n)
	return n, err
}

// Seek sets the offset for the next Read.
func (h *HTTP) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = h.offset + offset
	case io.SeekEnd:
		if h.size < 0 {
			return 0, errors.New("source: seek from end of unsized stream")
		}
		abs = h.size + offset
	default:
		return 0, fmt.Errorf("source: bad whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("source: negative position %d", abs)
	}
	if abs == h.offset {
		return abs, nil
	}

	if h.body != nil && abs > h.offset && abs-h.offset <= int64(h.buf.Buffered()) {
		n, _ := h.buf.Discard(int(abs - h.offset))
		h.offset += int64(n)
		return h.offset, nil
	}
	h.closeBody()
	h.offset = abs
	return abs, nil
}

func (h *HTTP) closeBody() {
	if h.body != nil {
		h.body.Close()
		h.body = nil
	}
}

// Close releases the open response, if any.
func (h *HTTP) Close() error {
	h.closeBody()
	return nil
}
