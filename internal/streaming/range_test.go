package streaming

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptorFor(content string, supportsRange bool) *StreamDescriptor {
	size := int64(len(content))
	mod := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	desc := &StreamDescriptor{
		Size:         &size,
		ContentType:  "text/plain",
		ETag:         `"v1"`,
		LastModified: &mod,
		GetStream: func(ctx context.Context) (*StreamHandle, error) {
			return &StreamHandle{Stream: io.NopCloser(strings.NewReader(content))}, nil
		},
	}
	if supportsRange {
		desc.GetRange = func(ctx context.Context, start, end int64) (*StreamHandle, error) {
			if end < 0 || end > size-1 {
				end = size - 1
			}
			return &StreamHandle{
				Stream:        io.NopCloser(strings.NewReader(content[start : end+1])),
				SupportsRange: true,
			}, nil
		}
	} else {
		// A backend that ignores Range and ships the whole body.
		desc.GetRange = func(ctx context.Context, start, end int64) (*StreamHandle, error) {
			return &StreamHandle{Stream: io.NopCloser(strings.NewReader(content))}, nil
		}
	}
	return desc
}

func body(t *testing.T, r *RangeReader) string {
	t.Helper()
	h, err := r.GetBody(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	b, err := io.ReadAll(h.Stream)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return string(b)
}

func TestConditionalNotModified(t *testing.T) {
	desc := descriptorFor("hello", true)

	r, err := NewRangeReader(desc, Request{Channel: ChannelFSWeb, IfNoneMatch: `W/"v1"`})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, r.Status)
	assert.Equal(t, `"v1"`, r.Headers["ETag"])

	h, err := r.GetBody(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
	require.NoError(t, r.Close())

	// A stale validator serves the body.
	r, err = NewRangeReader(desc, Request{Channel: ChannelFSWeb, IfNoneMatch: `"v0"`})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "hello", body(t, r))
}

func TestConditionalPreconditionFailed(t *testing.T) {
	desc := descriptorFor("hello", true)

	r, err := NewRangeReader(desc, Request{IfMatch: `"v0"`})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPreconditionFailed, r.Status)
}

func TestRangeWithNativeSupport(t *testing.T) {
	desc := descriptorFor("0123456789", true)

	r, err := NewRangeReader(desc, Request{Channel: ChannelProxy, RangeHeader: "bytes=2-5"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, r.Status)
	assert.Equal(t, "bytes 2-5/10", r.Headers["Content-Range"])
	assert.Equal(t, "4", r.Headers["Content-Length"])
	assert.Equal(t, "public, max-age=3600", r.Headers["Cache-Control"])
	assert.Equal(t, "2345", body(t, r))
}

func TestRangeFallbackSlicesFullStream(t *testing.T) {
	desc := descriptorFor("0123456789", false)

	r, err := NewRangeReader(desc, Request{RangeHeader: "bytes=2-5"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, r.Status)
	assert.Equal(t, "2345", body(t, r))
}

func TestSuffixAndOpenRanges(t *testing.T) {
	desc := descriptorFor("0123456789", true)

	r, err := NewRangeReader(desc, Request{RangeHeader: "bytes=-3"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, r.Status)
	assert.Equal(t, "bytes 7-9/10", r.Headers["Content-Range"])
	assert.Equal(t, "789", body(t, r))

	r, err = NewRangeReader(desc, Request{RangeHeader: "bytes=7-"})
	require.NoError(t, err)
	assert.Equal(t, "bytes 7-9/10", r.Headers["Content-Range"])
	assert.Equal(t, "789", body(t, r))
}

func TestRangeBeyondSizeIs416(t *testing.T) {
	desc := descriptorFor("0123456789", true)

	r, err := NewRangeReader(desc, Request{RangeHeader: "bytes=10-"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, r.Status)
	assert.Equal(t, "bytes */10", r.Headers["Content-Range"])
}

func TestMalformedRangeServesFullBody(t *testing.T) {
	desc := descriptorFor("0123456789", true)

	for _, header := range []string{"bytes=abc", "bytes=5-2", "items=0-4", "bytes=0-2,4-6"} {
		r, err := NewRangeReader(desc, Request{RangeHeader: header})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, r.Status, "header %q", header)
	}
}

func TestUnknownSizeDegradations(t *testing.T) {
	content := "0123456789"
	desc := descriptorFor(content, false)
	desc.Size = nil

	// Suffix ranges cannot be located without a size.
	r, err := NewRangeReader(desc, Request{RangeHeader: "bytes=-3"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, r.Status)

	// Open-ended start offsets still produce a 206 by slicing.
	r, err = NewRangeReader(desc, Request{RangeHeader: "bytes=4-"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, r.Status)
	assert.Equal(t, "bytes 4-/*", r.Headers["Content-Range"])
	assert.Equal(t, "456789", body(t, r))
}

func TestChannelCachePolicies(t *testing.T) {
	desc := descriptorFor("x", true)

	r, err := NewRangeReader(desc, Request{Channel: ChannelWebDAV})
	require.NoError(t, err)
	assert.Equal(t, "private, no-cache", r.Headers["Cache-Control"])

	r, err = NewRangeReader(desc, Request{Channel: ChannelInternalJob})
	require.NoError(t, err)
	_, present := r.Headers["Cache-Control"]
	assert.False(t, present)
}

func TestDefaultContentType(t *testing.T) {
	desc := descriptorFor("x", true)
	desc.ContentType = ""

	r, err := NewRangeReader(desc, Request{})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", r.Headers["Content-Type"])
}
