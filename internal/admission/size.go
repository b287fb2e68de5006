package admission

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

// MaxHeaderCount is the most header entries a request may carry.
const MaxHeaderCount = 200

// MaxBodySize is the ceiling for a configured body limit (50 MiB).
const MaxBodySize int64 = 50 * 1024 * 1024

// headerSeparatorLen is the length of ": " between a header name and value.
const headerSeparatorLen = 2

// SizeGuard rejects requests whose header block or body exceeds its limits.
type SizeGuard struct {
	maxHeaderSize int
	maxBodySize   int64
	opts          options
}

// NewSizeGuard validates the limits and returns the guard.
func NewSizeGuard(maxHeaderSize int, maxBodySize int64, opts ...Option) (*SizeGuard, error) {
	if maxHeaderSize <= 0 {
		return nil, fmt.Errorf("max header size must be positive, got %d", maxHeaderSize)
	}
	if maxBodySize <= 0 {
		return nil, fmt.Errorf("max body size must be positive, got %d", maxBodySize)
	}
	if maxBodySize > MaxBodySize {
		return nil, fmt.Errorf("max body size cannot exceed %d, got %d", MaxBodySize, maxBodySize)
	}
	return &SizeGuard{
		maxHeaderSize: maxHeaderSize,
		maxBodySize:   maxBodySize,
		opts:          newOptions(opts),
	}, nil
}

func (g *SizeGuard) Name() string { return "size" }

// HeaderSize returns the byte size and entry count of the request header
// block, counting name + ": " + value per entry. Host and Transfer-Encoding
// are lifted out of r.Header by net/http and are counted here explicitly.
func HeaderSize(r *http.Request) (size, count int) {
	for name, values := range r.Header {
		for _, v := range values {
			size += len(name) + headerSeparatorLen + len(v)
			count++
		}
	}
	if r.Host != "" {
		size += len("Host") + headerSeparatorLen + len(r.Host)
		count++
	}
	for _, te := range r.TransferEncoding {
		size += len("Transfer-Encoding") + headerSeparatorLen + len(te)
		count++
	}
	return size, count
}

func (g *SizeGuard) checkHeaders(r *http.Request) *domain.APIError {
	size, count := HeaderSize(r)
	if count > MaxHeaderCount {
		return domain.ErrTooManyHeaders(MaxHeaderCount)
	}
	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err != nil || n < 0 {
			return domain.ErrHeaderParse("invalid Content-Length " + strconv.Quote(cl))
		}
	}
	if size > g.maxHeaderSize {
		return domain.ErrHeadersTooLarge(g.maxHeaderSize)
	}
	return nil
}

// Wrap enforces the header limits and the body limit. Fixed-length bodies
// over the limit are rejected before any read; bodies of unknown length are
// wrapped so the read crossing the limit fails.
func (g *SizeGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.checkHeaders(r); err != nil {
			g.opts.reject(w, r, g.Name(), err)
			return
		}

		if r.ContentLength > g.maxBodySize {
			g.opts.reject(w, r, g.Name(), domain.ErrBodyTooLarge(g.maxBodySize))
			return
		}

		if r.ContentLength >= 0 && !isChunked(r) {
			next.ServeHTTP(w, r)
			return
		}

		body := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, g.maxBodySize)}
		r.Body = body
		tw := &trackingWriter{ResponseWriter: w}

		next.ServeHTTP(tw, r)

		if body.exceeded.Load() && !tw.wroteHeader {
			g.opts.reject(w, r, g.Name(), domain.ErrBodyTooLarge(g.maxBodySize))
		}
	})
}

func isChunked(r *http.Request) bool {
	for _, te := range r.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

// limitedBody remembers whether the limit was crossed.
type limitedBody struct {
	io.ReadCloser
	exceeded atomic.Bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if IsBodyTooLarge(err) {
		b.exceeded.Store(true)
	}
	return n, err
}

// IsBodyTooLarge reports whether err came from reading past the body limit.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
